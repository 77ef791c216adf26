// Package connection implements the initiating side of a wsrpc connection.
//
// A Client owns at most one live connection at a time:
//   - The connection is dialed lazily by the first operation
//   - Operations issued during the handshake are queued and sent in order
//   - Requests and subscriptions are correlated by id
//   - A silence-triggered ping/pong monitor detects dead peers
//   - An idle governor closes the connection when nothing is pending
//
// A connection that closes is never reopened implicitly; the next
// operation dials a new one.
package connection
