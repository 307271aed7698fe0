package bus

import (
	"errors"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

const embeddedReadyTimeout = 5 * time.Second

// Embedded is an in-process NATS server. It lets a single instance run
// without an external broker; several instances still need a shared one.
type Embedded struct {
	srv *natsserver.Server
}

// StartEmbedded starts a server on host:port. Port -1 picks a random free port
func StartEmbedded(host string, port int) (*Embedded, error) {
	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("error while creating embedded bus. Err: %w", err)
	}

	srv.Start()
	if !srv.ReadyForConnections(embeddedReadyTimeout) {
		srv.Shutdown()
		return nil, errors.New("embedded bus not ready for connections")
	}

	return &Embedded{srv: srv}, nil
}

func (e *Embedded) ClientURL() string {
	return e.srv.ClientURL()
}

func (e *Embedded) Shutdown() {
	e.srv.Shutdown()
	e.srv.WaitForShutdown()
}
