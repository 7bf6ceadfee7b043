package store

import (
	"context"
	"time"
)

// DaemonRecord is the persisted form of a registered daemon.
type DaemonRecord struct {
	ID           string // daemon identity derived from its public key
	Name         string
	Address      string
	SessionToken string
	Invite       string
	CreatedAt    time.Time
}

// Store defines the interface for daemon registry persistence.
type Store interface {
	SaveDaemon(ctx context.Context, rec *DaemonRecord) error
	GetDaemon(ctx context.Context, id string) (*DaemonRecord, error)
	ListDaemons(ctx context.Context) ([]*DaemonRecord, error)
	DeleteDaemon(ctx context.Context, id string) error
	Close() error
}
