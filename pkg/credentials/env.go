package credentials

import (
	"context"
	"os"
	"strings"

	"github.com/stiwari2004/bot-sub000/pkg/engine"
)

// EnvSource resolves aliases from environment variables. An alias
// "db-prod" maps to REMEDY_SECRET_DB_PROD_USER, _PASSWORD, _PRIVATE_KEY
// and _TOKEN. Lookups read the environment on every call, so rotated
// values take effect without a restart and nothing is held in memory
// between resolutions.
type EnvSource struct {
	prefix string
}

// NewEnvSource creates an environment-backed source. An empty prefix
// defaults to "REMEDY_SECRET".
func NewEnvSource(prefix string) *EnvSource {
	if prefix == "" {
		prefix = "REMEDY_SECRET"
	}
	return &EnvSource{prefix: prefix}
}

// Lookup implements SecretSource.
func (s *EnvSource) Lookup(_ context.Context, alias string) (*Secret, error) {
	base := s.prefix + "_" + envKey(alias)
	secret := &Secret{
		User:       os.Getenv(base + "_USER"),
		Password:   os.Getenv(base + "_PASSWORD"),
		PrivateKey: os.Getenv(base + "_PRIVATE_KEY"),
		Token:      os.Getenv(base + "_TOKEN"),
	}
	if secret.User == "" && secret.Password == "" && secret.PrivateKey == "" && secret.Token == "" {
		return nil, engine.NewNotFoundError("credential", alias)
	}
	return secret, nil
}

func envKey(alias string) string {
	upper := strings.ToUpper(alias)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, upper)
}
