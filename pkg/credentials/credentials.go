// Package credentials resolves alias references to secrets, merges them
// into connection metadata for execution, and produces the redacted view
// used at every serialization boundary.
package credentials

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stiwari2004/bot-sub000/pkg/connectors"
	"github.com/stiwari2004/bot-sub000/pkg/engine"
)

// RedactedValue replaces secret material in any externally visible copy
// of connection metadata.
const RedactedValue = "***REDACTED***"

// aliasPrefix marks a field value as a reference into the secret store
// rather than a literal secret.
const aliasPrefix = "alias:"

// Secret is the resolved material for one credential alias.
type Secret struct {
	User       string
	Password   string
	PrivateKey string
	Token      string
}

// SecretSource looks up secret material by alias.
type SecretSource interface {
	Lookup(ctx context.Context, alias string) (*Secret, error)
}

// StaticSource is a SecretSource over a fixed map, used for local
// development and tests.
type StaticSource struct {
	mu      sync.RWMutex
	secrets map[string]*Secret
}

// NewStaticSource creates a source over the given alias map.
func NewStaticSource(secrets map[string]*Secret) *StaticSource {
	if secrets == nil {
		secrets = make(map[string]*Secret)
	}
	return &StaticSource{secrets: secrets}
}

// Add registers a secret under an alias.
func (s *StaticSource) Add(alias string, secret *Secret) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[alias] = secret
}

// Lookup implements SecretSource.
func (s *StaticSource) Lookup(ctx context.Context, alias string) (*Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.secrets[alias]
	if !ok {
		return nil, engine.NewNotFoundError("credential", alias)
	}
	return secret, nil
}

// Resolver hydrates connection configs from alias references. Secrets
// are never cached inside the resolver; each resolution reads through to
// the source so rotation takes effect immediately.
type Resolver struct {
	source SecretSource
	logger zerolog.Logger
}

// NewResolver creates a credential resolver over the given source.
func NewResolver(source SecretSource, logger zerolog.Logger) *Resolver {
	return &Resolver{
		source: source,
		logger: logger.With().Str("component", "credentials").Logger(),
	}
}

// IsAlias reports whether the value is an alias reference.
func IsAlias(value string) bool {
	return strings.HasPrefix(value, aliasPrefix)
}

func aliasName(value string) string {
	return strings.TrimPrefix(value, aliasPrefix)
}

// Resolve returns a copy of the config with every alias reference
// replaced by the referenced secret material. The input is not mutated.
func (r *Resolver) Resolve(ctx context.Context, config *connectors.ConnectionConfig) (*connectors.ConnectionConfig, error) {
	resolved := *config
	if config.Metadata != nil {
		resolved.Metadata = make(map[string]string, len(config.Metadata))
		for k, v := range config.Metadata {
			resolved.Metadata[k] = v
		}
	}

	fields := []struct {
		name  string
		value string
		set   func(*Secret) string
	}{
		{"password", config.Password, func(s *Secret) string { return s.Password }},
		{"private_key", config.PrivateKey, func(s *Secret) string { return s.PrivateKey }},
		{"token", config.Token, func(s *Secret) string { return s.Token }},
	}
	for _, f := range fields {
		if !IsAlias(f.value) {
			continue
		}
		alias := aliasName(f.value)
		secret, err := r.source.Lookup(ctx, alias)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve credential alias %q for %s: %w", alias, f.name, err)
		}
		material := f.set(secret)
		if material == "" {
			return nil, fmt.Errorf("credential alias %q has no %s material", alias, f.name)
		}
		switch f.name {
		case "password":
			resolved.Password = material
		case "private_key":
			resolved.PrivateKey = material
		case "token":
			resolved.Token = material
		}
		if secret.User != "" && resolved.User == "" {
			resolved.User = secret.User
		}
		r.logger.Debug().Str("alias", alias).Str("field", f.name).Msg("credential alias resolved")
	}

	for k, v := range resolved.Metadata {
		if !IsAlias(v) {
			continue
		}
		alias := aliasName(v)
		secret, err := r.source.Lookup(ctx, alias)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve credential alias %q for metadata %q: %w", alias, k, err)
		}
		if secret.Token != "" {
			resolved.Metadata[k] = secret.Token
		} else if secret.Password != "" {
			resolved.Metadata[k] = secret.Password
		} else {
			return nil, fmt.Errorf("credential alias %q has no material for metadata %q", alias, k)
		}
	}

	return &resolved, nil
}

// secretMetadataKeys are metadata entries treated as secret material at
// serialization boundaries, regardless of how they were populated.
var secretMetadataKeys = map[string]bool{
	"password":   true,
	"token":      true,
	"secret":     true,
	"api_key":    true,
	"passphrase": true,
}

// Redact returns a copy of the config safe to persist in the event log
// or emit to a client: every secret-bearing field is masked. The input
// is not mutated.
func Redact(config *connectors.ConnectionConfig) *connectors.ConnectionConfig {
	if config == nil {
		return nil
	}
	redacted := *config
	if redacted.Password != "" {
		redacted.Password = RedactedValue
	}
	if redacted.PrivateKey != "" {
		redacted.PrivateKey = RedactedValue
	}
	if redacted.Token != "" {
		redacted.Token = RedactedValue
	}
	if redacted.DSN != "" {
		// DSNs embed credentials in opaque driver-specific syntax;
		// mask the whole value rather than parse it.
		redacted.DSN = RedactedValue
	}
	if config.Metadata != nil {
		redacted.Metadata = make(map[string]string, len(config.Metadata))
		for k, v := range config.Metadata {
			if secretMetadataKeys[strings.ToLower(k)] {
				redacted.Metadata[k] = RedactedValue
			} else {
				redacted.Metadata[k] = v
			}
		}
	}
	return &redacted
}
