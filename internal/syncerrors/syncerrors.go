// Package syncerrors implements the error taxonomy from the indexing
// engine's error-handling design: every RPC/DB error is classified at the
// boundary of the component that first observes it, instead of leaking
// driver-specific error types up through the call stack.
package syncerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry/abort decisions.
type Kind string

const (
	// RpcRangeTooLarge is a provider "response too large" rejection; the
	// caller should split the range and retry.
	RpcRangeTooLarge Kind = "rpc_range_too_large"
	// RpcRateLimit is a 429/rate-limit response; retry after backoff.
	RpcRateLimit Kind = "rpc_rate_limit"
	// RpcTransient covers 5xx, network errors, and timeouts; retry after backoff.
	RpcTransient Kind = "rpc_transient"
	// RpcFatal is a malformed response or an authorization failure; not retryable.
	RpcFatal Kind = "rpc_fatal"
	// ReorgDeeperThanFinality means no common ancestor was found within
	// finalityBlockCount; operator intervention is required.
	ReorgDeeperThanFinality Kind = "reorg_deeper_than_finality"
	// DbTransient covers connection resets and deadlocks; retry after backoff.
	DbTransient Kind = "db_transient"
	// DbConstraint is a unique/not-null/check/foreign-key violation raised
	// from inside a user callback; not retryable.
	DbConstraint Kind = "db_constraint"
	// BigIntSerialization is raised when user code passes a bigint into a
	// JSON column; not retryable.
	BigIntSerialization Kind = "bigint_serialization"
	// UserCallback is an uncaught error from user indexing code; not retryable.
	UserCallback Kind = "user_callback"
	// Shutdown marks an error caused by in-flight cancellation; swallow silently.
	Shutdown Kind = "shutdown"
)

// retryable reports which kinds are recoverable by local retry versus
// needing to surface to the top-level driver.
var retryable = map[Kind]bool{
	RpcRangeTooLarge: true,
	RpcRateLimit:     true,
	RpcTransient:     true,
	DbTransient:      true,
}

// Context carries the structured detail the spec requires user-visible
// error output to include: event name, block number, and a pretty-printed
// argument dump.
type Context struct {
	EventName   string
	ChainID     uint64
	BlockNumber uint64
	ArgsPretty  string
	CodeFrame   string
}

// SyncError wraps a classified error with its kind and optional context.
type SyncError struct {
	Kind    Kind
	Context *Context
	Err     error
}

// New classifies err as Kind with no extra context.
func New(kind Kind, err error) *SyncError {
	return &SyncError{Kind: kind, Err: err}
}

// Newf classifies a newly formatted error.
func Newf(kind Kind, format string, args ...any) *SyncError {
	return &SyncError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WithContext attaches structured context to a SyncError and returns it.
func (e *SyncError) WithContext(ctx Context) *SyncError {
	e.Context = &ctx
	return e
}

func (e *SyncError) Error() string {
	if e.Context != nil && e.Context.EventName != "" {
		return fmt.Sprintf("%s: %s (event=%s block=%d): %v",
			e.Kind, e.Context.ArgsPretty, e.Context.EventName, e.Context.BlockNumber, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Retryable reports whether the caller should retry locally after backoff
// rather than surfacing the error to the top-level driver.
func (e *SyncError) Retryable() bool { return retryable[e.Kind] }

// Retryable reports whether err (or a wrapped *SyncError within it) is
// locally retryable. Errors that are not a *SyncError are treated as
// non-retryable by default — classification is mandatory at the boundary.
func Retryable(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return false
}
