package client

import (
	"net/http"
	"time"

	"puncture/internal/config"
	"puncture/internal/store"
)

// Daemon is a registered daemon. It is a cheap handle; holding one keeps no
// connection open.
type Daemon struct {
	rec     store.DaemonRecord
	cfg     *config.Config
	http    *http.Client
	revoked <-chan struct{}
}

func (d *Daemon) Name() string { return d.rec.Name }

// ID is the daemon identity derived from its public key.
func (d *Daemon) ID() string { return d.rec.ID }

// Invite returns the invite text the daemon was registered from.
func (d *Daemon) Invite() string { return d.rec.Invite }

func (d *Daemon) Address() string { return d.rec.Address }

func (d *Daemon) RegisteredAt() time.Time { return d.rec.CreatedAt }

// Connect returns a new connection. It never blocks and never fails: the
// daemon is first contacted by the connection's first operation, which is
// where an unreachable daemon surfaces as ErrNetwork.
func (d *Daemon) Connect() *Connection {
	return newConnection(d)
}
