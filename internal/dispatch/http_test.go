package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridwaydb/gridway/internal/document"
	"github.com/gridwaydb/gridway/internal/topology"
)

func shardServer(t *testing.T, handler http.HandlerFunc) topology.ShardTarget {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return topology.ShardTarget{
		ID:   "s1",
		Addr: strings.TrimPrefix(srv.URL, "http://"),
	}
}

func TestHTTP_Call(t *testing.T) {
	var gotPath, gotQuery string
	target := shardServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery

		body, err := document.Decode(readAll(t, r))
		require.NoError(t, err)
		assert.Equal(t, "widgets", body.String("count"))

		w.Write([]byte(`{"ok": 1, "n": 42}`))
	})

	resp := NewHTTP(nil).Call(context.Background(), Request{
		Target:  target,
		DB:      "app",
		Command: document.Doc{"count": "widgets"},
		Options: 4,
	})

	assert.True(t, resp.OK)
	assert.Equal(t, topology.ShardID("s1"), resp.Shard)
	assert.Equal(t, int64(42), resp.Body.Int64("n"))
	assert.Equal(t, "/db/app/command", gotPath)
	assert.Equal(t, "options=4", gotQuery)
}

func TestHTTP_CommandFailure(t *testing.T) {
	target := shardServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok": 0, "errmsg": "ns not found", "code": 26}`))
	})

	resp := NewHTTP(nil).Call(context.Background(), Request{Target: target, DB: "app", Command: document.Doc{"x": 1.0}})

	assert.False(t, resp.OK)
	assert.Equal(t, 26, resp.Code)
	assert.Equal(t, "ns not found", resp.Message)
	assert.NotNil(t, resp.Body)
}

func TestHTTP_NonOKStatus(t *testing.T) {
	target := shardServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	})

	resp := NewHTTP(nil).Call(context.Background(), Request{Target: target, DB: "app", Command: document.Doc{"x": 1.0}})

	assert.False(t, resp.OK)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

func TestHTTP_Unreachable(t *testing.T) {
	target := topology.ShardTarget{ID: "gone", Addr: "127.0.0.1:1"}

	resp := NewHTTP(nil).Call(context.Background(), Request{Target: target, DB: "app", Command: document.Doc{"x": 1.0}})

	assert.False(t, resp.OK)
	assert.Equal(t, topology.ShardID("gone"), resp.Shard)
	assert.Contains(t, resp.Message, "unreachable")
}

func TestHTTP_MalformedBody(t *testing.T) {
	target := shardServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})

	resp := NewHTTP(nil).Call(context.Background(), Request{Target: target, DB: "app", Command: document.Doc{"x": 1.0}})

	assert.False(t, resp.OK)
	assert.Contains(t, resp.Message, "malformed shard response")
}

func TestFromBody_ReadsStatusFields(t *testing.T) {
	ok := FromBody("s1", document.Doc{"ok": 1.0, "value": "v"})
	assert.True(t, ok.OK)
	assert.Empty(t, ok.Message)

	failed := FromBody("s1", document.Doc{"ok": 0.0, "errmsg": "boom", "code": 63.0})
	assert.False(t, failed.OK)
	assert.Equal(t, "boom", failed.Message)
	assert.Equal(t, 63, failed.Code)
}

func readAll(t *testing.T, r *http.Request) []byte {
	t.Helper()
	data, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	return data
}
