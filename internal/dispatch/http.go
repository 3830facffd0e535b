package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gridwaydb/gridway/internal/document"
)

// HTTP dispatches commands to shards as JSON over HTTP. Each shard exposes
// POST /db/{db}/command accepting the command document and answering with
// the result document. Timeouts are the transport's concern: configure them
// on the injected client or via ctx deadlines.
type HTTP struct {
	client *http.Client
}

// NewHTTP builds an HTTP dispatcher. A nil client uses http.DefaultClient.
func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{client: client}
}

// maxResponseBytes bounds how much of a shard response is read. A shard
// streaming an oversized body indicates a protocol fault, not a result.
const maxResponseBytes = 48 << 20

// Call implements Dispatcher.
func (h *HTTP) Call(ctx context.Context, req Request) Response {
	payload, err := req.Command.Encode()
	if err != nil {
		return Failed(req.Target.ID, 0, fmt.Sprintf("encode command: %v", err))
	}

	url := fmt.Sprintf("http://%s/db/%s/command?options=%d", req.Target.Addr, req.DB, req.Options)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Failed(req.Target.ID, 0, fmt.Sprintf("build request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		return Failed(req.Target.ID, 0, fmt.Sprintf("shard %s unreachable: %v", req.Target.ID, err))
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return Failed(req.Target.ID, 0, fmt.Sprintf("read shard response: %v", err))
	}

	// Command-level failures still come back as HTTP 200 with ok: 0; a
	// non-200 status means the shard process itself rejected the call.
	if httpResp.StatusCode != http.StatusOK {
		return Failed(req.Target.ID, httpResp.StatusCode,
			fmt.Sprintf("shard %s returned status %d", req.Target.ID, httpResp.StatusCode))
	}

	body, err := document.Decode(data)
	if err != nil {
		return Failed(req.Target.ID, 0, fmt.Sprintf("malformed shard response: %v", err))
	}
	return FromBody(req.Target.ID, body)
}
