// Package identity defines the authorization capability consumed by
// the quarantine workflow.
//
// The cryptographic identity and handshake layer is an external
// collaborator; MuninDB only consults the narrow
// Authorize(action, actor) -> bool surface before a quarantine record
// is promoted or rejected.
//
// LocalSigner is a self-contained implementation for deployments
// without an identity service: actors present "name:token" credentials
// verified against bcrypt hashes registered at startup.
package identity

import (
	"context"
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Errors returned by signers.
var (
	ErrActorExists = errors.New("identity: actor already registered")
	ErrBadActor    = errors.New("identity: malformed actor credential")
	ErrWeakToken   = errors.New("identity: token too short")
)

// minTokenLength is the minimum accepted token length for LocalSigner.
const minTokenLength = 8

// Signer authorizes privileged actions. A false result (with nil
// error) means the actor is known but not permitted; errors indicate
// the signer itself failed.
type Signer interface {
	Authorize(ctx context.Context, action, actor string) (bool, error)
}

// AllowAll authorizes every action. Intended for tests and single-user
// development setups.
type AllowAll struct{}

// Authorize always returns true.
func (AllowAll) Authorize(ctx context.Context, action, actor string) (bool, error) {
	return true, nil
}

// DenyAll refuses every action. Intended for tests.
type DenyAll struct{}

// Authorize always returns false.
func (DenyAll) Authorize(ctx context.Context, action, actor string) (bool, error) {
	return false, nil
}

type actorRecord struct {
	tokenHash []byte
	actions   map[string]bool
}

// LocalSigner verifies actor credentials against bcrypt token hashes
// and per-actor action grants. Actor credentials take the form
// "name:token".
type LocalSigner struct {
	mu     sync.RWMutex
	actors map[string]*actorRecord
}

// NewLocalSigner creates a signer with no registered actors.
func NewLocalSigner() *LocalSigner {
	return &LocalSigner{actors: make(map[string]*actorRecord)}
}

// RegisterActor adds an actor with a token and the set of actions it
// may perform. The token is stored only as a bcrypt hash.
func (s *LocalSigner) RegisterActor(name, token string, actions ...string) error {
	if len(token) < minTokenLength {
		return ErrWeakToken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.actors[name]; exists {
		return ErrActorExists
	}

	granted := make(map[string]bool, len(actions))
	for _, a := range actions {
		granted[a] = true
	}
	s.actors[name] = &actorRecord{tokenHash: hash, actions: granted}
	return nil
}

// Authorize verifies the actor credential and checks the action grant.
// Unknown actors and bad tokens yield false without error; only a
// malformed credential is an error.
func (s *LocalSigner) Authorize(ctx context.Context, action, actor string) (bool, error) {
	name, token, ok := strings.Cut(actor, ":")
	if !ok || name == "" {
		return false, ErrBadActor
	}

	s.mu.RLock()
	rec, exists := s.actors[name]
	s.mu.RUnlock()
	if !exists {
		return false, nil
	}

	if err := bcrypt.CompareHashAndPassword(rec.tokenHash, []byte(token)); err != nil {
		return false, nil
	}
	return rec.actions[action], nil
}

var (
	_ Signer = AllowAll{}
	_ Signer = DenyAll{}
	_ Signer = (*LocalSigner)(nil)
)
