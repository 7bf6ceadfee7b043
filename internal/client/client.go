// Package client registers remote daemons and talks to them. A Client owns
// the on-disk registry; Daemon handles come from it, and each Daemon hands out
// independent Connections for payments and events.
package client

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"puncture/internal/config"
	"puncture/internal/invite"
	"puncture/internal/logging"
	"puncture/internal/store"
	"puncture/internal/transport"
)

const (
	dbFileName   = "puncture.db"
	lockFileName = "puncture.lock"

	lockRetryDelay = 50 * time.Millisecond
	nonceSize      = 32
)

// Client is the registry of known daemons rooted at a data directory.
type Client struct {
	dataDir string
	cfg     *config.Config
	store   store.Store
	lock    *flock.Flock
	http    *http.Client

	// mu serializes registry mutations within the process; lock does the
	// same across processes sharing dataDir.
	mu          sync.Mutex
	revoked     map[string]chan struct{}
	registering map[string]bool
}

// New opens (creating if needed) the registry in dataDir.
func New(ctx context.Context, dataDir string) (*Client, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	cfg, err := config.Load(dataDir)
	if err != nil {
		return nil, err
	}
	st, err := store.NewSQLiteStore(ctx, filepath.Join(dataDir, dbFileName))
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	return newClient(dataDir, cfg, st, &http.Client{Timeout: cfg.RequestTimeoutDuration()}), nil
}

func newClient(dataDir string, cfg *config.Config, st store.Store, hc *http.Client) *Client {
	return &Client{
		dataDir:     dataDir,
		cfg:         cfg,
		store:       st,
		lock:        flock.New(filepath.Join(dataDir, lockFileName)),
		http:        hc,
		revoked:     make(map[string]chan struct{}),
		registering: make(map[string]bool),
	}
}

// Config returns the loaded client configuration.
func (c *Client) Config() config.Config { return *c.cfg }

// Register redeems an invite and returns a live connection to the new
// daemon. A daemon that is already registered, or whose registration is in
// flight, fails with ErrAlreadyRegistered.
func (c *Client) Register(ctx context.Context, inviteText string) (*Connection, error) {
	inv, err := invite.Decode(inviteText)
	if err != nil {
		return nil, err
	}
	id := inv.DaemonID()

	if err := c.beginRegistration(ctx, id); err != nil {
		return nil, err
	}
	defer c.endRegistration(id)

	res, err := c.handshake(ctx, inv)
	if err != nil {
		logging.Client.Printf("registration with %s failed: %v", inv.Address, err)
		return nil, err
	}

	name := res.Name
	if name == "" {
		name = id
	}
	rec := &store.DaemonRecord{
		ID:           id,
		Name:         name,
		Address:      inv.Address,
		SessionToken: res.SessionToken,
		Invite:       inv.String(),
		CreatedAt:    time.Now(),
	}
	var d *Daemon
	if err := c.withRegistryLock(ctx, func() error {
		if err := c.store.SaveDaemon(ctx, rec); err != nil {
			return err
		}
		d = c.handleLocked(rec)
		return nil
	}); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrAlreadyRegistered
		}
		return nil, fmt.Errorf("%w: persist: %w", ErrRegistration, err)
	}

	logging.Client.Printf("registered daemon %s (%s)", name, shortID(id))
	return d.Connect(), nil
}

func (c *Client) beginRegistration(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registering[id] {
		return ErrAlreadyRegistered
	}
	_, err := c.store.GetDaemon(ctx, id)
	switch {
	case err == nil:
		return ErrAlreadyRegistered
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	c.registering[id] = true
	return nil
}

func (c *Client) endRegistration(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.registering, id)
}

// handshake redeems the invite secret and checks the daemon signed the
// session token with the invite's key.
func (c *Client) handshake(ctx context.Context, inv invite.Invite) (*transport.RegisterResult, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistration, err)
	}

	var res transport.RegisterResult
	rpc := transport.NewWithHTTPClient(inv.Address, "", c.http)
	err := rpc.Call(ctx, transport.MethodRegister, transport.RegisterParams{
		Secret: hex.EncodeToString(inv.Secret[:]),
		Nonce:  hex.EncodeToString(nonce),
	}, &res)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	if res.SessionToken == "" {
		return nil, fmt.Errorf("%w: daemon returned no session token", ErrRegistration)
	}
	sig, err := hex.DecodeString(res.Signature)
	if err != nil || !ed25519.Verify(inv.PublicKey, transport.RegisterChallenge(nonce, res.SessionToken), sig) {
		return nil, fmt.Errorf("%w: daemon could not prove its identity", ErrRegistration)
	}
	return &res, nil
}

// Daemons lists registered daemons in registration order.
func (c *Client) Daemons(ctx context.Context) ([]*Daemon, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	recs, err := c.store.ListDaemons(ctx)
	if err != nil {
		return nil, err
	}
	daemons := make([]*Daemon, 0, len(recs))
	for _, rec := range recs {
		daemons = append(daemons, c.handleLocked(rec))
	}
	return daemons, nil
}

// Daemon finds a registered daemon by identity, identity prefix or name.
func (c *Client) Daemon(ctx context.Context, idOrName string) (*Daemon, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.store.GetDaemon(ctx, idOrName)
	if err == nil {
		return c.handleLocked(rec), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	recs, err := c.store.ListDaemons(ctx)
	if err != nil {
		return nil, err
	}
	var match *store.DaemonRecord
	for _, rec := range recs {
		if rec.Name == idOrName {
			return c.handleLocked(rec), nil
		}
		if len(idOrName) >= 6 && len(rec.ID) > len(idOrName) && rec.ID[:len(idOrName)] == idOrName {
			if match != nil {
				return nil, fmt.Errorf("%q matches more than one daemon", idOrName)
			}
			match = rec
		}
	}
	if match == nil {
		return nil, store.ErrNotFound
	}
	return c.handleLocked(match), nil
}

// DeleteDaemon removes d from the registry. Connections already handed out
// stay allocated, but their next operation and any pending NextEvent fail
// with ErrDaemonUnregistered.
func (c *Client) DeleteDaemon(ctx context.Context, d *Daemon) error {
	err := c.withRegistryLock(ctx, func() error {
		if err := c.store.DeleteDaemon(ctx, d.ID()); err != nil {
			return err
		}
		if ch, ok := c.revoked[d.ID()]; ok {
			close(ch)
			delete(c.revoked, d.ID())
		}
		return nil
	})
	if err != nil {
		return err
	}
	logging.Client.Printf("deleted daemon %s (%s)", d.Name(), shortID(d.ID()))
	return nil
}

// Close releases the registry.
func (c *Client) Close() error {
	return c.store.Close()
}

// withRegistryLock runs fn holding both the process mutex and the data
// directory file lock.
func (c *Client) withRegistryLock(ctx context.Context, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ok, err := c.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("acquire registry lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("acquire registry lock: %s is held", c.lock.Path())
	}
	defer func() {
		if err := c.lock.Unlock(); err != nil {
			logging.Client.Printf("failed to release registry lock: %v", err)
		}
	}()
	return fn()
}

// handleLocked builds a handle sharing the deletion signal of every other
// handle for the same daemon. c.mu must be held from reading rec out of the
// store until the handle exists, so a concurrent delete cannot slip between.
func (c *Client) handleLocked(rec *store.DaemonRecord) *Daemon {
	ch, ok := c.revoked[rec.ID]
	if !ok {
		ch = make(chan struct{})
		c.revoked[rec.ID] = ch
	}
	return &Daemon{rec: *rec, cfg: c.cfg, http: c.http, revoked: ch}
}
