// Package engine drives a release through its phases. Every phase transition
// and every sub-step that has an external side effect is written through the
// state store before the next one starts, so an interrupted release can be
// inspected, resumed from its last checkpoint, or rolled back.
//
// Phases run in a fixed order:
//
//	validation -> version_update -> git_operations -> publishing -> cleanup -> completed
//
// with rolling_back -> rolled_back reachable from any non-terminal phase.
package engine
