// Package server implements the accepting side of a wsrpc connection.
//
// Each upgraded WebSocket gets one read goroutine. Call frames are resolved
// against a route.Table and run on their own goroutine with a fresh
// peer.Context; pings are answered inline. Responses share a
// write-mutex-serialized socket.
//
// The HTTP surface is a chi router serving the RPC endpoint, /healthz and,
// when configured, a Prometheus handler.
package server
