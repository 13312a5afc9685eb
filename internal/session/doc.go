// Package session owns the bidirectional WebSocket to the workflow
// host. A [Manager] holds at most one connection at a time and drives
// it through a small state machine:
//
//	Connecting → Open        handshake completed (attempt counter reset)
//	Connecting → Closed      dial failed or did not finish in time
//	Open       → Closed      transport closed or errored
//	Closed     → Connecting  scheduled reconnect after backoff
//	any        → Closing → Closed   explicit Close (terminal)
//
// Transport failures never escalate past observers and logs: the
// manager keeps retrying with exponential backoff until [Manager.Close]
// is called. Sends are never queued; [Manager.SendWhenReady] waits for
// the next Open instead.
package session
