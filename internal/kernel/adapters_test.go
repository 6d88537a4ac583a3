package kernel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func echoHeaderServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Echo", r.Header.Get("X-Test"))
		w.WriteHeader(http.StatusTeapot)
	}))
}

func TestHTTPPortRoundTrip(t *testing.T) {
	srv := echoHeaderServer()
	defer srv.Close()

	h := newHTTPPort()
	resp, err := h.Do(context.Background(), "GET", srv.URL, nil, map[string]string{"X-Test": "ok"})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestPluginHTTPPortAdaptsResponse(t *testing.T) {
	srv := echoHeaderServer()
	defer srv.Close()

	p := &pluginHTTPPort{inner: newHTTPPort()}
	resp, err := p.Do(context.Background(), "GET", srv.URL, nil, map[string]string{"X-Test": "ok"})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestOSFilesystemReadsAndGlobs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))

	fs := osFilesystem{}
	b, err := fs.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	matches, err := fs.Glob(filepath.Join(dir, "*.txt"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
}

func TestLoggerAdapterNamesSubLoggers(t *testing.T) {
	base := zap.NewNop()
	l := &loggerAdapter{base: base}
	named := l.Named("event_bus")
	require.NotNil(t, named)
}
