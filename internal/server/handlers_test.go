package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRouter(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	h := NewHub(*NewConfig(0), zaptest.NewLogger(t), nil)
	srv := httptest.NewServer(SetupRoutes(NewGateway(h), h.metrics))
	t.Cleanup(srv.Close)
	return srv, h
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestHealthHandler(t *testing.T) {
	srv, _ := newTestRouter(t)

	resp, body := get(t, srv.URL+"/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, "RelayChat server is running!", body)
}

func TestTestPageHandler(t *testing.T) {
	srv, _ := newTestRouter(t)

	resp, body := get(t, srv.URL+"/test")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	assert.Contains(t, body, "RelayChat WebSocket Test")
	assert.Contains(t, body, "'HELLO.' + name + '.'")

	post, err := http.Post(srv.URL+"/test", "text/plain", strings.NewReader(""))
	require.NoError(t, err)
	_ = post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func TestWebSocketHandlerRejectsPost(t *testing.T) {
	srv, _ := newTestRouter(t)

	resp, err := http.Post(srv.URL+"/ws", "text/plain", strings.NewReader("HELLO.a."))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, h := newTestRouter(t)
	h.metrics.Registrations.WithLabelValues("accepted").Inc()

	resp, body := get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `relaychat_registrations_total{result="accepted"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestCreateServerTimeouts(t *testing.T) {
	s := CreateServer(":0", http.NewServeMux())

	assert.Equal(t, ":0", s.Addr)
	assert.Equal(t, 15.0, s.ReadTimeout.Seconds())
	assert.Equal(t, 15.0, s.WriteTimeout.Seconds())
	assert.Equal(t, 60.0, s.IdleTimeout.Seconds())
}
