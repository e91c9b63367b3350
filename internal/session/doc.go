// Package session assigns and carries per-connection identity: a session
// ID unique for the process lifetime and a trace ID that defaults to it but
// may be overridden by middleware. It also carries the request-scoped
// user-data attachment slot supplemented from original_source/ (see
// SPEC_FULL.md). Grounded on the teacher's internal/session package, but
// generalized: the teacher's session is a cancellation/deadline context for
// a WebSocket session, this one is the identity+attachment record for a
// framed TCP connection (cancellation for a gateway connection is owned by
// internal/conn.Connection's close path instead).
package session
