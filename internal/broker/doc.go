// Package broker multiplexes concurrent chat requests over the single
// tunnel connection and turns provider reply streams back into
// per-request events.
//
// A request's life is: resolve the model through the mapper, build the
// provider message chain, register a correlation identifier, send one
// task frame, then consume routed reply fragments until a terminal
// condition. Terminal conditions are the provider's done sentinel, a
// decoded provider error, a timeout (one window for the first fragment,
// a second for idle gaps mid-stream), or tunnel loss. Each consumer
// emits exactly one EventDone or EventError and closes its stream.
//
// Image models fan out into independent sub-requests and aggregate the
// results in sub-request order. Text models stream incrementally.
package broker
