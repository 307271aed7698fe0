package ws

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/nkiryanov/hotline/internal/registry"
)

// Close frame payload is limited to 125 bytes, 2 of them are the code
const maxCloseReason = 123

// conn is the registry handle of one websocket connection.
// Data frames are written by the serving goroutine only; Close uses control frames
// that gorilla/websocket allows from any goroutine.
type conn struct {
	identity  string
	ws        *websocket.Conn
	writeWait time.Duration

	once   sync.Once
	closed chan struct{}
	code   int
}

func newConn(identity string, ws *websocket.Conn, writeWait time.Duration) *conn {
	return &conn{
		identity:  identity,
		ws:        ws,
		writeWait: writeWait,
		closed:    make(chan struct{}),
	}
}

func (c *conn) Identity() string {
	return c.identity
}

// Close sends close frame and makes the serving goroutine clean up.
// Only the first call has effect, others return registry.ErrClosed.
func (c *conn) Close(code int, reason string) error {
	err := registry.ErrClosed

	c.once.Do(func() {
		reason = truncateReason(reason)

		c.code = code
		err = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(c.writeWait),
		)
		close(c.closed)
	})

	return err
}

// Done is closed once Close was called
func (c *conn) Done() <-chan struct{} {
	return c.closed
}

// Code passed to the first Close. Valid once Done is closed
func (c *conn) Code() int {
	return c.code
}

// truncateReason fits reason into a close frame. Clients reject frames
// with invalid UTF-8, so the cut never splits a character.
func truncateReason(reason string) string {
	reason = strings.ToValidUTF8(reason, "")
	if len(reason) <= maxCloseReason {
		return reason
	}

	n := maxCloseReason
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}
