// Package credentials resolves connection secrets by reference so that
// profiles never carry passwords themselves.
package credentials

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"

	"github.com/TFMV/sluice/pkg/errors"
)

// DefaultEnvPrefix is prepended to references looked up in the environment.
const DefaultEnvPrefix = "SLUICE_SECRET_"

// Store resolves a credential reference to a secret.
type Store interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// ErrNotFound is returned when no store knows the reference.
var ErrNotFound = errors.New(errors.CodeAuthenticationFailed, "credential not found")

func notFound(ref string) error {
	return errors.New(errors.CodeAuthenticationFailed, "credential not found").WithDetail("ref", ref)
}

// EnvStore reads <prefix><REF> from a dotenv file, then the process
// environment. The file does not modify the process environment.
type EnvStore struct {
	prefix string
	file   map[string]string
	lookup func(string) (string, bool)
}

// NewEnvStore creates an EnvStore. An empty path skips the dotenv file.
func NewEnvStore(prefix, path string) (*EnvStore, error) {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	s := &EnvStore{prefix: prefix, lookup: os.LookupEnv}
	if path != "" {
		values, err := godotenv.Read(path)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeInvalidRequest, "failed to read credential file %s", path)
		}
		s.file = values
	}
	return s, nil
}

// Key returns the variable name consulted for ref.
func (s *EnvStore) Key(ref string) string {
	var b strings.Builder
	b.WriteString(s.prefix)
	for _, r := range strings.ToUpper(ref) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Resolve looks ref up in the dotenv values, then in the environment.
func (s *EnvStore) Resolve(ctx context.Context, ref string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := s.Key(ref)
	if v, ok := s.file[key]; ok {
		return v, nil
	}
	if v, ok := s.lookup(key); ok {
		return v, nil
	}
	return "", notFound(ref)
}

// StaticStore serves secrets from memory.
type StaticStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewStaticStore creates a StaticStore seeded with secrets.
func NewStaticStore(secrets map[string]string) *StaticStore {
	s := &StaticStore{secrets: make(map[string]string, len(secrets))}
	for k, v := range secrets {
		s.secrets[k] = v
	}
	return s
}

// Set stores a secret.
func (s *StaticStore) Set(ref, secret string) {
	s.mu.Lock()
	s.secrets[ref] = secret
	s.mu.Unlock()
}

// Resolve returns the stored secret.
func (s *StaticStore) Resolve(_ context.Context, ref string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.secrets[ref]; ok {
		return v, nil
	}
	return "", notFound(ref)
}

// ChainStore tries each store in order and returns the first hit.
type ChainStore []Store

// Resolve implements Store.
func (c ChainStore) Resolve(ctx context.Context, ref string) (string, error) {
	for _, s := range c {
		v, err := s.Resolve(ctx, ref)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, errors.CodeAuthenticationFailed) {
			return "", err
		}
	}
	return "", notFound(ref)
}

// ResolveProfileSecret resolves ref, treating an empty reference as
// "no password".
func ResolveProfileSecret(ctx context.Context, store Store, ref string) (string, error) {
	if ref == "" || store == nil {
		return "", nil
	}
	return store.Resolve(ctx, ref)
}
