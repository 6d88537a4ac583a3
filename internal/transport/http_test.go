package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkit-dev/xkit-runtime/internal/codec"
)

// TestHTTPSendSurfacesResponseViaRecv guards against the correlation
// gap where a POST response was decoded and then discarded: the MCP
// client's dispatcher only ever calls Recv, so any response Send
// receives must be observable there too.
func TestHTTPSendSurfacesResponseViaRecv(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env codec.Envelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))

		resp, err := codec.NewResult(*env.ID, map[string]any{"content": []any{}, "isError": false})
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	h := NewHTTP(HTTPParams{BaseURL: srv.URL}, nil)
	require.NoError(t, h.Connect(context.Background()))

	id := codec.NewIntID(1)
	req, err := codec.NewRequest(id, "tools/call", map[string]any{"name": "reverse"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, h.Send(ctx, req))

	got, err := h.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, id.String(), got.ID.String())
}

// TestHTTPRecvMergesStreamingAndResponseLegs confirms both the
// synchronous POST leg and the streaming GET endpoint feed the same
// Recv, so a dispatcher reading only Recv sees notifications that
// arrive on either leg.
func TestHTTPRecvMergesStreamingAndResponseLegs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		notif, _ := codec.NewNotification("notifications/toolsChanged", nil)
		sw := codec.NewStreamWriter(w)
		require.NoError(t, sw.Write(notif))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		var env codec.Envelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		resp, err := codec.NewResult(*env.ID, map[string]any{"content": []any{}, "isError": false})
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := NewHTTP(HTTPParams{BaseURL: srv.URL, StreamingPath: "/stream"}, nil)
	require.NoError(t, h.Connect(context.Background()))
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	notif, err := h.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "notifications/toolsChanged", notif.Method)

	req, err := codec.NewRequest(codec.NewIntID(1), "tools/call", nil)
	require.NoError(t, err)
	require.NoError(t, h.Send(ctx, req))

	got, err := h.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", fmt.Sprint(got.ID.String()))
}
