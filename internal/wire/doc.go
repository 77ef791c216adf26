// Package wire defines the JSON frames exchanged on a wsrpc connection.
//
// Every frame is exactly one of:
//   - call:   {"id"?, "method", "params"?, "sub"?}  (no id = notification)
//   - result: {"id", "result"}                     terminal success
//   - error:  {"id", "error"}                      terminal failure
//   - value:  {"id", "value"}                      subscription item
//   - ping:   {"ping": nonce}
//   - pong:   {"pong": nonce}
//
// Anything else is a protocol violation. The package is pure: it never
// touches a socket.
package wire
