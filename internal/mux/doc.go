// Package mux turns a fire-and-forget JSON-RPC message channel into
// request/response calls.
//
// An RPC engine that only knows how to consume inbound messages and emit
// outbound ones is attached with SetHandler. HandleRequest feeds a message to
// the handler and blocks until the handler emits the matching response through
// Send, the per-call timeout fires, or the multiplexer is closed. Exactly one of
// the three settles each call.
//
// Calls are correlated by their JSON-RPC id. The pending entry is registered
// before the handler runs, so a handler that responds synchronously from
// inside its own invocation is still matched.
package mux
