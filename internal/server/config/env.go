package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/dmitrijs2005/nucleus/internal/flagx"
	"github.com/joho/godotenv"
)

// EnvPrefix namespaces every environment variable read by the server.
const EnvPrefix = "NUCLEUS_"

// parseEnv overlays NUCLEUS_* environment variables onto config. A dotenv
// file named by -envfile (or ./.env when present) is loaded first; variables
// already set in the process environment take precedence over the file.
// Malformed values panic, matching the JSON overlay.
func parseEnv(config *Config) {
	if path := flagx.EnvFileFlags(); path != "" {
		if err := godotenv.Load(path); err != nil {
			panic(fmt.Errorf("load env file: %w", err))
		}
	} else {
		_ = godotenv.Load()
	}

	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		panic(fmt.Errorf("parse env: %w", err))
	}
}
