// Package database provides the PostgreSQL connection pool backing the
// server's connection journal.
package database
