// Package agent defines the declarative agent model: definitions describing
// personas, permitted tools and handoff targets, validated and frozen into an
// immutable registry at startup. The orchestration engine consults the
// registry on every turn; it never mutates it.
package agent
