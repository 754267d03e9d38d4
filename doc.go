// Package mcpuse implements the client side of the Model Context Protocol (MCP),
// letting a single logical caller talk to one or more independently addressable
// servers over heterogeneous transports. It follows the protocol specification
// at https://spec.modelcontextprotocol.io/specification/.
//
// The package is organized around three layers. A Connector owns exactly one
// physical channel and its framing: ProcessConnector spawns a child process and
// exchanges newline-delimited JSON over its standard streams, while
// HTTPConnector speaks the streamable HTTP transport and falls back to the
// classic SSE transport when the endpoint rejects streaming. A Session wraps
// one Connector, performs the initialization handshake, correlates concurrent
// requests with their responses, and delivers server notifications in wire
// order. A Registry holds named server configurations and caches one live
// Session per name.
package mcpuse
