package host

import (
	"context"
	"os"
	"strings"
	"sync"
)

// Secrets resolves named secrets. Callers must never log or persist the value.
type Secrets interface {
	GetSecret(ctx context.Context, name string) (string, bool, error)
}

// EnvLookup matches os.LookupEnv.
type EnvLookup func(key string) (string, bool)

// EnvSecrets reads secrets from the environment. A secret name such as
// "claude_code/session_access_token" maps to CLAUDE_CODE_SESSION_ACCESS_TOKEN.
type EnvSecrets struct {
	Lookup EnvLookup
}

func (s EnvSecrets) GetSecret(_ context.Context, name string) (string, bool, error) {
	lookup := s.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	value, ok := lookup(SecretEnvName(name))
	if !ok || value == "" {
		return "", false, nil
	}
	return value, true, nil
}

// SecretEnvName converts a secret name into its environment variable form.
func SecretEnvName(name string) string {
	replacer := strings.NewReplacer("/", "_", "-", "_", ".", "_")
	return strings.ToUpper(replacer.Replace(name))
}

// StaticSecrets is an in-memory Secrets implementation.
type StaticSecrets struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewStaticSecrets copies values into a new store.
func NewStaticSecrets(values map[string]string) *StaticSecrets {
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return &StaticSecrets{values: cp}
}

func (s *StaticSecrets) GetSecret(_ context.Context, name string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	if !ok || v == "" {
		return "", false, nil
	}
	return v, true, nil
}

// Put replaces a secret value.
func (s *StaticSecrets) Put(name, value string) {
	s.mu.Lock()
	s.values[name] = value
	s.mu.Unlock()
}
