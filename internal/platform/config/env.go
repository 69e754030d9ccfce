// Package config loads service configuration from the environment.
//
// Every liveboard environment variable carries the PFCONNECT_ prefix. The
// prefix is applied here, once, so struct tags name only the suffix and the
// prefix cannot drift between services.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every env tag during parsing.
const EnvPrefix = "PFCONNECT_"

// ParseEnv loads configuration from PFCONNECT_-prefixed environment
// variables into target.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
