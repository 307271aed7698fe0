package ws

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/hotline/internal/events"
	"github.com/nkiryanov/hotline/internal/hub"
	"github.com/nkiryanov/hotline/internal/logger"
	"github.com/nkiryanov/hotline/internal/registry"
)

// Identity is taken from a plain header in tests
func headerIdentity(r *http.Request) (string, bool) {
	id := r.Header.Get("X-Identity")
	return id, id != ""
}

type server struct {
	url      string
	registry *registry.Registry
	hub      *hub.Hub
}

func startServer(t *testing.T, bufferSize int) server {
	t.Helper()

	reg := registry.New()
	h := hub.New(bufferSize, logger.NewNoOpLogger())
	handler := New(Config{Identity: headerIdentity}, reg, h, logger.NewNoOpLogger())

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return server{
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		registry: reg,
		hub:      h,
	}
}

func (s server) dial(t *testing.T, identity string) *websocket.Conn {
	t.Helper()

	header := http.Header{}
	header.Set("X-Identity", identity)
	c, resp, err := websocket.DefaultDialer.Dial(s.url, header)
	require.NoError(t, err)
	defer resp.Body.Close() // nolint:errcheck
	t.Cleanup(func() { _ = c.Close() })

	// Handshake is done before the handler registers the connection
	require.Eventually(t, func() bool {
		h, ok := s.registry.Get(identity)
		return ok && h.(*conn).ws.RemoteAddr().String() == c.LocalAddr().String()
	}, 5*time.Second, 10*time.Millisecond, "connection has to be registered")

	return c
}

func readEnvelope(t *testing.T, c *websocket.Conn) events.Envelope {
	t.Helper()

	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)

	e, err := events.Decode(data)
	require.NoError(t, err)
	return e
}

func readClose(t *testing.T, c *websocket.Conn) *websocket.CloseError {
	t.Helper()

	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		return closeErr
	}
}

func envelope(resource string, receiver string) events.Envelope {
	return events.Envelope{
		EventType:   events.EventCreate,
		DataType:    "like",
		ResourceUID: resource,
		ReceiverUID: receiver,
		Body:        json.RawMessage(`{"n":1}`),
	}
}

func TestHandler(t *testing.T) {
	t.Run("unauthenticated request rejected before upgrade", func(t *testing.T) {
		s := startServer(t, 16)

		_, resp, err := websocket.DefaultDialer.Dial(s.url, nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		defer resp.Body.Close() // nolint:errcheck

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.JSONEq(t, `{"error": "service_error", "message": "Unauthorized"}`, string(body))
		assert.Equal(t, 0, s.registry.Len())
	})

	t.Run("targeted and broadcast delivery", func(t *testing.T) {
		s := startServer(t, 16)
		alice := s.dial(t, "alice")
		bob := s.dial(t, "bob")

		s.hub.Publish(envelope("for-alice", "alice"))
		s.hub.Publish(envelope("for-all", ""))

		got := readEnvelope(t, alice)
		assert.Equal(t, "for-alice", got.ResourceUID)
		assert.JSONEq(t, `{"n":1}`, string(got.Body))
		assert.Equal(t, "for-all", readEnvelope(t, alice).ResourceUID)

		assert.Equal(t, "for-all", readEnvelope(t, bob).ResourceUID, "bob must skip envelope for alice")
	})

	t.Run("delivery keeps publish order", func(t *testing.T) {
		s := startServer(t, 256)
		alice := s.dial(t, "alice")

		for i := range 50 {
			s.hub.Publish(envelope(strings.Repeat("x", i+1), "alice"))
		}

		for i := range 50 {
			assert.Len(t, readEnvelope(t, alice).ResourceUID, i+1)
		}
	})

	t.Run("second connection supersedes the first", func(t *testing.T) {
		s := startServer(t, 16)
		first := s.dial(t, "alice")
		second := s.dial(t, "alice")

		closeErr := readClose(t, first)
		assert.Equal(t, registry.CloseSuperseded, closeErr.Code)

		// The first connection cleanup must not remove the second one
		time.Sleep(2 * closeGrace)
		assert.Equal(t, 1, s.registry.Len())

		s.hub.Publish(envelope("still-here", "alice"))
		assert.Equal(t, "still-here", readEnvelope(t, second).ResourceUID)
	})

	t.Run("close through registry handle", func(t *testing.T) {
		s := startServer(t, 16)
		alice := s.dial(t, "alice")

		h, ok := s.registry.Get("alice")
		require.True(t, ok)
		require.NoError(t, h.Close(registry.CloseRevoked, "logged out"))
		assert.ErrorIs(t, h.Close(registry.CloseRevoked, "again"), registry.ErrClosed)

		closeErr := readClose(t, alice)
		assert.Equal(t, registry.CloseRevoked, closeErr.Code)
		assert.Equal(t, "logged out", closeErr.Text)

		require.Eventually(t, func() bool { return s.registry.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
		require.Eventually(t, func() bool { return s.hub.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("client disconnect releases registry", func(t *testing.T) {
		s := startServer(t, 16)
		alice := s.dial(t, "alice")

		err := alice.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		require.NoError(t, err)

		require.Eventually(t, func() bool { return s.registry.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("client messages are drained", func(t *testing.T) {
		s := startServer(t, 16)
		alice := s.dial(t, "alice")

		for range 50 {
			require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"ping":true}`)))
		}

		s.hub.Publish(envelope("after-flood", "alice"))
		assert.Equal(t, "after-flood", readEnvelope(t, alice).ResourceUID)
	})
}

func TestConn_CloseReasonTruncated(t *testing.T) {
	s := startServer(t, 16)
	alice := s.dial(t, "alice")

	h, ok := s.registry.Get("alice")
	require.True(t, ok)
	require.NoError(t, h.Close(registry.CloseRevoked, strings.Repeat("r", 300)))

	closeErr := readClose(t, alice)
	assert.Equal(t, registry.CloseRevoked, closeErr.Code)
	assert.Len(t, closeErr.Text, maxCloseReason)
}

func TestConn_CloseReasonMultibyte(t *testing.T) {
	s := startServer(t, 16)
	alice := s.dial(t, "alice")

	// 'é' takes bytes 123 and 124: cutting at the limit would split it
	reason := strings.Repeat("r", maxCloseReason-1) + "é" + "tail"

	h, ok := s.registry.Get("alice")
	require.True(t, ok)
	require.NoError(t, h.Close(registry.CloseRevoked, reason))

	closeErr := readClose(t, alice)
	assert.Equal(t, registry.CloseRevoked, closeErr.Code, "client has to see the revocation code")
	assert.Equal(t, strings.Repeat("r", maxCloseReason-1), closeErr.Text)
}

func TestTruncateReason(t *testing.T) {
	tests := []struct {
		name   string
		reason string
		want   string
	}{
		{"short kept", "logged out", "logged out"},
		{"ascii cut at limit", strings.Repeat("a", 200), strings.Repeat("a", maxCloseReason)},
		{"multibyte not split", strings.Repeat("a", maxCloseReason-2) + "€", strings.Repeat("a", maxCloseReason-2)},
		{"multibyte fits exactly", strings.Repeat("a", maxCloseReason-3) + "€", strings.Repeat("a", maxCloseReason-3) + "€"},
		{"invalid bytes dropped", "bad\xffreason", "badreason"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateReason(tt.reason)

			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, len(got), maxCloseReason)
		})
	}
}
