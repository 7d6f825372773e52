package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-triage/common/config"
	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/server"
)

type pinger struct{ err error }

func (p pinger) Ping(ctx context.Context) error { return p.err }

type broker struct{ connected bool }

func (b broker) IsConnected() bool            { return b.connected }
func (b broker) RTT() (time.Duration, error) { return time.Millisecond, nil }

type breaker struct{ state gobreaker.State }

func (b breaker) BreakerState() gobreaker.State { return b.state }

type dlqStats map[string]interface{}

func (d dlqStats) Stats(ctx context.Context) map[string]interface{} { return d }

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	if rr.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	}
	return rr, body
}

func TestHealth(t *testing.T) {
	router := server.NewRouter(server.NewHandler(server.Deps{Logger: logging.Discard()}))

	rr, body := get(t, router, "/healthz")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestReady(t *testing.T) {
	tests := []struct {
		name   string
		deps   server.Deps
		code   int
		checks map[string]interface{}
	}{
		{
			name: "all dependencies answer",
			deps: server.Deps{Repo: pinger{}, Index: pinger{}, Broker: broker{connected: true}},
			code: http.StatusOK,
			checks: map[string]interface{}{
				"postgres": "ok", "opensearch": "ok", "nats": "ok", "detection": "disabled",
			},
		},
		{
			name: "index down",
			deps: server.Deps{Repo: pinger{}, Index: pinger{err: errors.New("cluster unreachable")}, Broker: broker{connected: true}},
			code: http.StatusServiceUnavailable,
			checks: map[string]interface{}{
				"postgres": "ok", "opensearch": "cluster unreachable", "nats": "ok", "detection": "disabled",
			},
		},
		{
			name: "broker disconnected",
			deps: server.Deps{Repo: pinger{}, Index: pinger{}, Broker: broker{}},
			code: http.StatusServiceUnavailable,
			checks: map[string]interface{}{
				"postgres": "ok", "opensearch": "ok", "nats": "not connected to message broker", "detection": "disabled",
			},
		},
		{
			name: "detection breaker open",
			deps: server.Deps{Repo: pinger{}, Index: pinger{}, Broker: broker{connected: true}, Detector: breaker{gobreaker.StateOpen}},
			code: http.StatusOK,
			checks: map[string]interface{}{
				"postgres": "ok", "opensearch": "ok", "nats": "ok", "detection": "open",
			},
		},
		{
			name: "no broker configured",
			deps: server.Deps{Repo: pinger{}, Index: pinger{}},
			code: http.StatusOK,
			checks: map[string]interface{}{
				"postgres": "ok", "opensearch": "ok", "nats": "disabled", "detection": "disabled",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.deps.Logger = logging.Discard()
			router := server.NewRouter(server.NewHandler(tt.deps))

			rr, body := get(t, router, "/readyz")

			assert.Equal(t, tt.code, rr.Code)
			assert.Equal(t, tt.checks, body["checks"])
		})
	}
}

func TestDLQ(t *testing.T) {
	router := server.NewRouter(server.NewHandler(server.Deps{
		DLQ:    dlqStats{"enabled": true, "total_messages": 3},
		Logger: logging.Discard(),
	}))

	rr, body := get(t, router, "/dlq")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(3), body["total_messages"])

	_, body = get(t, server.NewRouter(server.NewHandler(server.Deps{Logger: logging.Discard()})), "/dlq")
	assert.Equal(t, false, body["enabled"])
}

func TestMetricsEndpoint(t *testing.T) {
	router := server.NewRouter(server.NewHandler(server.Deps{Logger: logging.Discard()}))

	rr, _ := get(t, router, "/metrics")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestServer_ServeUntilCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	router := server.NewRouter(server.NewHandler(server.Deps{Logger: logging.Discard()}))
	srv := server.New(config.ServerConfig{ReadTimeout: time.Second, WriteTimeout: time.Second}, router, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
