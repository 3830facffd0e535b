// Package dispatch sends one command to one shard and reports its response.
// The dispatcher is stateless per call; pooling, authentication, and wire
// encoding beyond JSON live behind whatever implements Dispatcher.
package dispatch

import (
	"context"

	"github.com/gridwaydb/gridway/internal/document"
	"github.com/gridwaydb/gridway/internal/topology"
)

// Response is the outcome of one dispatched call. Every dispatched call
// yields exactly one Response, success or failure; transport errors are
// converted into failed Responses rather than lost.
type Response struct {
	// Shard identifies which shard answered (or failed to).
	Shard topology.ShardID

	// OK mirrors the shard's success flag.
	OK bool

	// Body is the raw result document. Present on failure too, when the
	// shard returned structured error details.
	Body document.Doc

	// Code and Message describe the failure when OK is false. Code 0
	// means the shard reported no numeric code.
	Code    int
	Message string
}

// Request is one command bound for one shard.
type Request struct {
	Target  topology.ShardTarget
	DB      string
	Command document.Doc

	// Options is the query-option bitmask, forwarded only for commands
	// whose descriptor passes options through.
	Options int32
}

// Dispatcher performs one shard call. Implementations must honor ctx and
// must never panic on malformed shard output; bad output becomes a failed
// Response.
type Dispatcher interface {
	Call(ctx context.Context, req Request) Response
}

// FromBody builds a Response by reading the conventional status fields
// ("ok", "errmsg", "code") out of a shard result document.
func FromBody(shard topology.ShardID, body document.Doc) Response {
	resp := Response{Shard: shard, Body: body, OK: body.Bool("ok")}
	if !resp.OK {
		resp.Message = body.String("errmsg")
		resp.Code = int(body.Int64("code"))
	}
	return resp
}

// Failed builds a failed Response for errors raised locally (transport,
// decode) rather than reported by the shard.
func Failed(shard topology.ShardID, code int, message string) Response {
	return Response{
		Shard:   shard,
		OK:      false,
		Body:    document.Doc{"ok": 0.0, "errmsg": message},
		Code:    code,
		Message: message,
	}
}
