// Package tunnel owns the persistent WebSocket connection to the browser
// agent and the correlation state for everything in flight on it.
//
// # Overview
//
// The bridge talks to exactly one remote automation agent, a userscript
// running inside the provider's page. The agent dials the tunnel endpoint;
// the bridge never dials out. All client requests multiplex over this one
// connection and replies are matched back by correlation id.
//
// # Manager
//
// The Manager is the http.Handler for the tunnel endpoint:
//
//	table := tunnel.NewTable(64, logger)
//	mgr := tunnel.NewManager(table, nil, logger)
//	mux.Handle("/ws", mgr)
//
// Key operations:
//
//   - Send(gen, frame): Transmit a task frame on a specific generation
//   - SendControl(cmd): Fire-and-forget instruction to the agent
//   - Live(): Current generation and liveness
//   - WaitLive(ctx): Block until a connection attaches
//
// Exactly one connection is authoritative. A newly attaching peer replaces
// the previous one (the page reloaded), the generation counter increments,
// and pending requests stamped with the dead generation fail in bulk.
//
// # Correlation Table
//
// The Table maps correlation ids to delivery channels:
//
//	ch, err := table.Register(id, gen)
//	// ... send the frame, then consume ch
//	table.Remove(id)
//
// Registration happens before the frame is sent, so a reply can never beat
// its own bookkeeping. Payloads for unknown ids, and payloads stamped with
// a generation that no longer matches the entry, are dropped. Delivery is
// non-blocking: a consumer that stops draining loses fragments rather than
// stalling the read pump for everyone else.
//
// # Frames
//
// Outbound TaskFrame carries the correlation id, target model id, session
// and message ids, and the ordered message chain. Inbound Envelope carries
// the correlation id and an opaque payload that the broker package decodes.
package tunnel
