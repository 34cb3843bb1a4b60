// Package engine implements the turn state machine that coordinates agents,
// models and tool servers. A turn starts from the conversation's active
// agent, alternates between inference and tool execution, follows handoffs
// between agents and ends at the first plain assistant reply or when the
// iteration budget runs out. Tool batches run concurrently but their results
// always land in the transcript in the order the calls were issued.
package engine
