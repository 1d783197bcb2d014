// Package dispatch delivers recorded log entries through per-provider
// senders and resolves every entry exactly once.
//
// The dispatch table is a map of Sender keyed by provider, injected at
// construction. Each sender carries its content and retry policy; the task
// engine runs the attempts and the dispatcher resolves the log when the
// engine reports the final result.
package dispatch
