// Package protocol defines the messages exchanged between mcp-tunnel and the
// relay over a single WebSocket connection.
//
// Frames are JSON text messages. Frames sent by the relay are flat objects
// discriminated by their "type" field:
//
//	{"type":"tunnel_established","url":"https://abc.example.dev","expiresAt":"..."}
//	{"type":"request","requestId":"r1","method":"POST","path":"/mcp","headers":{},"body":{}}
//	{"type":"ping","timestamp":1700000000000}
//	{"type":"error","code":"rate_limited","message":"slow down"}
//	{"type":"url_changed","oldUrl":"...","newUrl":"..."}
//
// Frames sent by the client are wrapped in an {event, data} envelope, which is
// what the relay routes on:
//
//	{"event":"response","data":{"type":"response","requestId":"r1","statusCode":200,"headers":{},"body":{}}}
//	{"event":"pong","data":{"type":"pong","timestamp":1700000000000}}
//
// The package also carries the WebSocket close codes the relay uses and the
// timing defaults shared by client and relay.
package protocol
