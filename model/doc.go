// Package model defines the provider-neutral inference contract. The engine
// assembles a Request per iteration and adapters (see the openai and
// anthropic subpackages) translate it into their vendor's chat API,
// normalizing the reply into exactly one Outcome shape: content, tool calls
// or a handoff. Handoff targets travel to providers as synthetic
// "transfer_to_<agent>" tools and are folded back into Outcome.Handoff so the
// engine never sees vendor-specific encodings.
package model
