// Package storage persists tasks (with their progress), accounts, proxies
// and the action audit trail.
//
// Two drivers exist: "sqlite" (modernc.org/sqlite, no cgo) and "file"
// (snapshot plus append-only journal). Open returns (nil, nil) when
// storage is disabled, and callers treat a nil Store as "memory only".
package storage
