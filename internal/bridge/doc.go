// Package bridge serves tunnelled MCP traffic with an mcp-go server.
//
// The relay forwards the HTTP body of each MCP call as a tunnel request. The
// bridge decodes it as a single JSON-RPC message or a batch, feeds every
// message through a request multiplexer into MCPServer.HandleMessage, and
// returns the collected responses. Batch items run concurrently; notification
// results are left out of the batch response.
//
// Register tools, prompts and resources through the bridge so that the
// advertised capabilities reflect what is actually served. Capabilities are
// computed once, the first time they are needed.
package bridge
