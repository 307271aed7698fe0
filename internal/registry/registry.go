// Package registry keeps the live connection of every identity connected to this process.
package registry

import (
	"errors"

	"github.com/nkiryanov/hotline/internal/shardmap"
)

// Close codes sent to clients. 4000-4999 is the range reserved for applications
const (
	CloseRevoked    = 4001 // credentials of the identity were revoked
	CloseSuperseded = 4002 // the same identity opened another connection
	CloseLagging    = 4003 // the client did not keep up with its events
)

// ErrClosed is returned by Handle.Close when the connection is closed already
var ErrClosed = errors.New("connection closed already")

// Handle is a live outbound connection
type Handle interface {
	Identity() string

	// Close terminates the connection with a code and reason shown to the client.
	// Closing must make the owner of the connection run its cleanup.
	Close(code int, reason string) error
}

// Registry maps identity to its live connection handle.
// Safe for concurrent use; identities in different shards never contend.
type Registry struct {
	conns *shardmap.Map[Handle]
}

func New() *Registry {
	return &Registry{conns: shardmap.New[Handle]()}
}

// Register stores the handle for identity and returns the handle it replaced.
// The replaced handle is not closed, it is up to the caller.
func (r *Registry) Register(identity string, h Handle) (previous Handle, replaced bool) {
	return r.conns.Swap(identity, h)
}

// Unregister removes whatever handle identity has
func (r *Registry) Unregister(identity string) {
	r.conns.LoadAndDelete(identity)
}

// Release removes the handle only if it is still the one registered for identity.
// A connection cleaning up after being superseded must not remove its successor.
func (r *Registry) Release(identity string, h Handle) bool {
	return r.conns.CompareAndDelete(identity, func(current Handle) bool {
		return current == h
	})
}

func (r *Registry) Get(identity string) (Handle, bool) {
	return r.conns.Get(identity)
}

// All returns a snapshot of registered handles
func (r *Registry) All() []Handle {
	handles := make([]Handle, 0, r.conns.Len())
	r.conns.Range(func(_ string, h Handle) bool {
		handles = append(handles, h)
		return true
	})
	return handles
}

func (r *Registry) Len() int {
	return r.conns.Len()
}
