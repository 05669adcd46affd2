// Package mcp contains the Model Context Protocol method names and the small
// set of wire types the gateway inspects itself. Everything else crossing the
// gateway is relayed as raw JSON.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod). RouteOf maps a method onto the closed Route set the
// session router switches over: gateway-owned methods, known passthrough
// methods, and the generic forward path for everything else.
package mcp
