package router

import (
	"errors"
	"fmt"

	"github.com/gridwaydb/gridway/internal/dispatch"
	"github.com/gridwaydb/gridway/internal/reduce"
	"github.com/gridwaydb/gridway/internal/topology"
)

// Error represents a routing-tier failure. It carries the offending shard
// (when one is known) and structured details so a failure can be diagnosed
// without re-running the command.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Shard identifies the shard involved, when the failure is
	// attributable to one.
	Shard topology.ShardID

	// Details contains additional context.
	Details map[string]string
}

// ErrorCode categorizes routing errors.
type ErrorCode string

const (
	// ErrCodeTargeting indicates the command's predicate or key pattern
	// cannot be mapped onto the collection's shard key. Terminal.
	ErrCodeTargeting ErrorCode = "TARGETING_ERROR"

	// ErrCodeShardUnavailable indicates a named shard cannot be reached.
	ErrCodeShardUnavailable ErrorCode = "SHARD_UNAVAILABLE"

	// ErrCodeStaleTopology indicates the router's view of partition
	// ownership is out of date. The caller may retry from target
	// resolution; the router itself never retries.
	ErrCodeStaleTopology ErrorCode = "STALE_TOPOLOGY"

	// ErrCodeIncompatibleShard indicates a shard lacks a capability the
	// command requires (e.g. carry-state support, or an old shard
	// rejecting a newer command name).
	ErrCodeIncompatibleShard ErrorCode = "INCOMPATIBLE_SHARD"

	// ErrCodeProtocolViolation indicates a shard response that breaks the
	// chained-sequence contract. A shard bug; fatal, never retried.
	ErrCodeProtocolViolation ErrorCode = "PROTOCOL_VIOLATION"

	// ErrCodeIllegalOperation indicates a command that is not allowed
	// against the target (e.g. unshardable command on a sharded
	// collection).
	ErrCodeIllegalOperation ErrorCode = "ILLEGAL_OPERATION"

	// ErrCodeUnknownCommand indicates a command name with no descriptor.
	ErrCodeUnknownCommand ErrorCode = "UNKNOWN_COMMAND"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Shard != "" {
		return fmt.Sprintf("%s: %s (shard=%s)", e.Code, e.Message, e.Shard)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// newError builds an Error with a formatted message.
func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// HasCode reports whether err (possibly wrapped) is a routing Error with
// the given code.
func HasCode(err error, code ErrorCode) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// Well-known numeric error codes shards use on the wire. The stale-config
// family is the staleness signal consumed by the caller's retry loop; the
// unavailability pair is what administrative fan-outs tolerate by skipping
// the shard.
const (
	CodeHostUnreachable   = 6
	CodeStaleShardVersion = 63
	CodeShardNotFound     = 70
	CodeStaleEpoch        = 150
	CodeRecvStaleConfig   = 9996
	CodeSendStaleConfig   = 13388
)

// Status classifies one invocation outcome for the caller's retry policy.
// The router is single-attempt: it reports StatusStaleTopology and stops,
// leaving re-resolution and retry to the layer above.
type Status int

const (
	// StatusOK means the command produced a result (which may still be a
	// command-level failure the client should see as-is).
	StatusOK Status = iota

	// StatusStaleTopology means the attempt failed because the routing
	// table is out of date; a retry after refresh may succeed.
	StatusStaleTopology

	// StatusError means a terminal routing failure.
	StatusError
)

// Outcome is the explicit result type of one routed invocation.
type Outcome struct {
	Status Status
	Result reduce.Result

	// Err is set when Status != StatusOK.
	Err error
}

// staleResponse reports whether a shard response signals that the caller's
// topology view is out of date.
func staleResponse(resp dispatch.Response) bool {
	switch resp.Code {
	case CodeStaleShardVersion, CodeStaleEpoch, CodeRecvStaleConfig, CodeSendStaleConfig:
		return true
	default:
		return false
	}
}

// unavailableResponse reports whether a shard response means the shard
// itself could not be reached, as opposed to the command failing on it.
func unavailableResponse(resp dispatch.Response) bool {
	return resp.Code == CodeHostUnreachable || resp.Code == CodeShardNotFound
}

// Classify inspects a shard response and decides whether it indicates an
// out-of-date topology view (retry upstream from target resolution) or a
// terminal failure surfaced as-is.
func Classify(resp dispatch.Response) Status {
	switch {
	case resp.OK:
		return StatusOK
	case staleResponse(resp):
		return StatusStaleTopology
	default:
		return StatusError
	}
}

// classifyErr maps internal errors onto an Outcome. Catalog staleness and
// stale shard responses become StatusStaleTopology; chained-protocol errors
// get their distinct codes; everything else is terminal.
func classifyErr(err error) Outcome {
	switch {
	case topology.IsStale(err):
		return Outcome{
			Status: StatusStaleTopology,
			Err:    newError(ErrCodeStaleTopology, "%v", err),
		}
	default:
		var incompatible *reduce.IncompatibleShardError
		if errors.As(err, &incompatible) {
			return Outcome{Status: StatusError, Err: &Error{
				Code:    ErrCodeIncompatibleShard,
				Message: incompatible.Error(),
				Shard:   incompatible.Shard,
			}}
		}
		var violation *reduce.ProtocolViolationError
		if errors.As(err, &violation) {
			return Outcome{Status: StatusError, Err: &Error{
				Code:    ErrCodeProtocolViolation,
				Message: violation.Error(),
				Shard:   violation.Shard,
			}}
		}
		return Outcome{Status: StatusError, Err: err}
	}
}
