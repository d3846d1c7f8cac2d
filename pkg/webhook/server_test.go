package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edenartlab/eden2-sub000/pkg/task"
	"github.com/edenartlab/eden2-sub000/pkg/toolexecutor"
)

type fakeDeliverer struct {
	mu       sync.Mutex
	received map[string][]byte
	err      error
}

func (d *fakeDeliverer) Deliver(_ context.Context, handlerID string, payload []byte) (*task.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	if d.received == nil {
		d.received = map[string][]byte{}
	}
	d.received[handlerID] = payload
	return &task.Task{ID: "task-" + handlerID, Status: task.StatusCompleted}, nil
}

func newTestServer(t *testing.T, opts ServerOptions, d Deliverer) *Server {
	t.Helper()
	s, err := NewServer(opts, d, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(s.limiter.Stop)
	return s
}

func post(s *Server, body []byte, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, s.options.Path, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	t.Run("should apply defaults", func(t *testing.T) {
		s := newTestServer(t, ServerOptions{}, &fakeDeliverer{})
		assert.Equal(t, "127.0.0.1:9465", s.options.Addr)
		assert.Equal(t, "/webhooks/replicate", s.options.Path)
		assert.Equal(t, 600, s.options.RateLimitPerMinute)
		assert.Nil(t, s.key)
	})

	t.Run("should require a deliverer", func(t *testing.T) {
		_, err := NewServer(ServerOptions{}, nil, zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("should reject bad options", func(t *testing.T) {
		_, err := NewServer(ServerOptions{Path: "hooks"}, &fakeDeliverer{}, zerolog.Nop())
		assert.Error(t, err)
		_, err = NewServer(ServerOptions{Secret: "whsec_!!"}, &fakeDeliverer{}, zerolog.Nop())
		assert.Error(t, err)
	})
}

func TestServer_Delivery(t *testing.T) {
	body := []byte(`{"id":"p1","status":"succeeded","output":["https://cdn.test/1.png"]}`)

	t.Run("should hand unsigned deliveries to the executor", func(t *testing.T) {
		d := &fakeDeliverer{}
		s := newTestServer(t, ServerOptions{}, d)

		rec := post(s, body, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp deliveryResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "task-p1", resp.TaskID)
		assert.Equal(t, task.StatusCompleted, resp.Status)
		assert.JSONEq(t, string(body), string(d.received["p1"]))
	})

	t.Run("should verify signed deliveries", func(t *testing.T) {
		d := &fakeDeliverer{}
		s := newTestServer(t, ServerOptions{Secret: testSecret}, d)

		rec := post(s, body, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, d.received)

		rec = post(s, body, signedHeader(t, body, time.Now()))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, d.received, "p1")
	})

	t.Run("should reject bodies without a prediction id", func(t *testing.T) {
		s := newTestServer(t, ServerOptions{}, &fakeDeliverer{})
		assert.Equal(t, http.StatusBadRequest, post(s, []byte(`{"status":"succeeded"}`), nil).Code)
		assert.Equal(t, http.StatusBadRequest, post(s, []byte(`nope`), nil).Code)
	})

	t.Run("should reject oversized bodies", func(t *testing.T) {
		s := newTestServer(t, ServerOptions{MaxBodyBytes: 8}, &fakeDeliverer{})
		assert.Equal(t, http.StatusBadRequest, post(s, body, nil).Code)
	})

	t.Run("should map delivery errors", func(t *testing.T) {
		cases := map[error]int{
			task.ErrNotFound:                 http.StatusNotFound,
			toolexecutor.ErrNotNotifiable:    http.StatusUnprocessableEntity,
			errors.New("database is locked"): http.StatusInternalServerError,
		}
		for err, want := range cases {
			s := newTestServer(t, ServerOptions{}, &fakeDeliverer{err: err})
			assert.Equal(t, want, post(s, body, nil).Code, err.Error())
		}
	})

	t.Run("should rate limit per client", func(t *testing.T) {
		s := newTestServer(t, ServerOptions{RateLimitPerMinute: 1}, &fakeDeliverer{})
		assert.Equal(t, http.StatusOK, post(s, body, http.Header{"X-Forwarded-For": {"1.2.3.4"}}).Code)

		rec := post(s, body, http.Header{"X-Forwarded-For": {"1.2.3.4, 10.0.0.1"}})
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))

		assert.Equal(t, http.StatusOK, post(s, body, http.Header{"X-Forwarded-For": {"5.6.7.8"}}).Code)
	})

	t.Run("should refuse deliveries while shutting down", func(t *testing.T) {
		s := newTestServer(t, ServerOptions{}, &fakeDeliverer{})
		require.NoError(t, s.Stop(context.Background()))
		assert.Equal(t, http.StatusServiceUnavailable, post(s, body, nil).Code)
	})

	t.Run("should only accept POST on the delivery path", func(t *testing.T) {
		s := newTestServer(t, ServerOptions{}, &fakeDeliverer{})
		req := httptest.NewRequest(http.MethodGet, s.options.Path, nil)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t, ServerOptions{}, &fakeDeliverer{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}
