package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/condominio/portero/internal/gateapi"
	"github.com/condominio/portero/internal/portero/session"
)

const DefaultMaxShells = 256

// Shell is one authenticated dashboard: a bearer token, the profile the
// backend returned for it and the coordinator holding its open access point.
type Shell struct {
	ID          string
	Coordinator *session.Coordinator
	Profile     gateapi.Profile
}

// ShellFactory builds the coordinator of a new shell.
type ShellFactory func(shellID, token string) *session.Coordinator

// Authenticator resolves the user behind a bearer token.
type Authenticator interface {
	Me(ctx context.Context, token string) (gateapi.Profile, error)
}

// ShellRegistry keeps the most recently used shells.  Only tokens the backend
// accepts get a shell.  A shell pushed out of the cache while an access point
// is open keeps running until that session ends; a dropped or purged shell is
// shut down at once.
type ShellRegistry struct {
	mu       sync.Mutex
	cache    *lru.Cache
	draining map[string]*Shell // evicted, waiting for the open session to end
	teardown bool              // set while Drop or Close empties the cache
	auth     Authenticator
	factory  ShellFactory
	logger   log.FieldLogger
}

func NewShellRegistry(size int, auth Authenticator, factory ShellFactory, logger log.FieldLogger) (*ShellRegistry, error) {
	if size <= 0 {
		size = DefaultMaxShells
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	r := &ShellRegistry{
		draining: make(map[string]*Shell),
		auth:     auth,
		factory:  factory,
		logger:   logger,
	}
	cache, err := lru.NewWithEvict(size, r.evicted)
	if err != nil {
		return nil, errors.Wrap(err, "shell cache")
	}
	r.cache = cache
	return r, nil
}

// ShellID is the hex SHA-256 of a bearer token.  Tokens are never used as
// keys or logged.
func ShellID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Get returns the shell for token.  A token seen for the first time is
// checked against the backend before its shell is created.
func (r *ShellRegistry) Get(ctx context.Context, token string) (*Shell, error) {
	if token == "" {
		return nil, gateapi.ErrMissingToken
	}
	id := ShellID(token)
	if sh, ok := r.lookup(id); ok {
		return sh, nil
	}

	p, err := r.auth.Me(ctx, token)
	if err != nil {
		return nil, errors.Wrap(err, "authenticate")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sh, ok := r.lookupLocked(id); ok {
		return sh, nil
	}
	r.sweepLocked()
	sh := &Shell{ID: id, Profile: p, Coordinator: r.factory(id, token)}
	r.cache.Add(id, sh)
	r.logger.WithField("shell", short(id)).Debug("Shell created")
	return sh, nil
}

// Lookup returns the shell for token without creating it.
func (r *ShellRegistry) Lookup(token string) (*Shell, bool) {
	if token == "" {
		return nil, false
	}
	return r.lookup(ShellID(token))
}

func (r *ShellRegistry) lookup(id string) (*Shell, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(id)
}

// lookupLocked finds id in the cache, bringing a draining shell back into it.
func (r *ShellRegistry) lookupLocked(id string) (*Shell, bool) {
	if v, ok := r.cache.Get(id); ok {
		return v.(*Shell), true
	}
	sh, ok := r.draining[id]
	if !ok {
		return nil, false
	}
	delete(r.draining, id)
	if !sh.Coordinator.Revive() {
		return nil, false
	}
	r.cache.Add(id, sh)
	return sh, true
}

// sweepLocked forgets draining shells whose session has ended.
func (r *ShellRegistry) sweepLocked() {
	for id, sh := range r.draining {
		if sh.Coordinator.Closed() {
			delete(r.draining, id)
		}
	}
}

// Drop tears down the shell for token.  It reports whether one existed.
func (r *ShellRegistry) Drop(token string) bool {
	id := ShellID(token)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardown = true
	defer func() { r.teardown = false }()

	if sh, ok := r.draining[id]; ok {
		delete(r.draining, id)
		sh.Coordinator.Shutdown()
		return true
	}
	return r.cache.Remove(id)
}

// Len counts live shells, draining ones included.
func (r *ShellRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
	return r.cache.Len() + len(r.draining)
}

// Close shuts down every shell.
func (r *ShellRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardown = true
	defer func() { r.teardown = false }()

	r.cache.Purge()
	for id, sh := range r.draining {
		delete(r.draining, id)
		sh.Coordinator.Shutdown()
	}
}

// evicted runs under r.mu; every cache mutation holds it.
func (r *ShellRegistry) evicted(key, value interface{}) {
	sh, ok := value.(*Shell)
	if !ok {
		return
	}
	entry := r.logger.WithField("shell", short(key.(string)))
	if r.teardown {
		sh.Coordinator.Shutdown()
		entry.Debug("Shell released")
		return
	}
	if sh.Coordinator.Retire() {
		r.draining[sh.ID] = sh
		entry.Info("Shell evicted with an access point open; draining until it closes")
		return
	}
	entry.Debug("Shell released")
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
