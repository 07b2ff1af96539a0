// Package config handles configuration for the identity server,
// including defaults, JSON overlay, environment and command-line flags.
package config

import "time"

// Conflict policies applied when a claimed identity already has an account.
const (
	PolicyReplace = "replace"
	PolicyReject  = "reject"
)

// World-state backends.
const (
	WorldBackendFS = "fs"
	WorldBackendS3 = "s3"
)

// Config holds runtime settings for the nucleus server.
//
// Fields:
//   - HTTPAddr / GRPCAddr: bind addresses for the HTTP API and the gRPC health endpoint.
//   - DatabaseDSN: SQLite path or DSN (modernc driver).
//   - SecretKey: key for verification code digests. Do not use test defaults in prod.
//   - TokenIssuer: issuer written into id tokens.
//   - DeviceCacheTTL / JanitorInterval: device correlation cache expiry and sweep period.
//   - Verification*: code lifetime, attempt budget and per-identity send rate.
//   - Email* / SMTP*: email delivery channel.
//   - API*: third-party verification channel.
//   - FallbackCode: accepted when both channels are disabled.
//   - OverrideCode: operator code accepted unconditionally.
//   - IdentityConflictPolicy: "replace" or "reject" for an already registered target identity.
//   - WorldBackend / WorldDir / S3*: world-state storage.
//   - OTelEndpoint: OTLP/HTTP traces endpoint, tracing disabled when empty.
type Config struct {
	HTTPAddr    string `env:"HTTP_ADDR"`
	GRPCAddr    string `env:"GRPC_ADDR"`
	DatabaseDSN string `env:"DATABASE_DSN"`
	SecretKey   string `env:"SECRET_KEY"`
	TokenIssuer string `env:"TOKEN_ISSUER"`
	LogLevel    string `env:"LOG_LEVEL"`

	DeviceCacheTTL  time.Duration `env:"DEVICE_CACHE_TTL"`
	JanitorInterval time.Duration `env:"JANITOR_INTERVAL"`

	VerificationCodeTTL      time.Duration `env:"VERIFICATION_CODE_TTL"`
	VerificationMaxAttempts  int           `env:"VERIFICATION_MAX_ATTEMPTS"`
	VerificationSendInterval time.Duration `env:"VERIFICATION_SEND_INTERVAL"`
	VerificationSendBurst    int           `env:"VERIFICATION_SEND_BURST"`

	EmailEnabled bool   `env:"EMAIL_ENABLED"`
	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT"`
	SMTPUser     string `env:"SMTP_USER"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPFrom     string `env:"SMTP_FROM"`

	APIEnabled  bool   `env:"API_ENABLED"`
	APIEndpoint string `env:"API_ENDPOINT"`
	APIKey      string `env:"API_KEY"`

	FallbackCode string `env:"FALLBACK_CODE"`
	OverrideCode string `env:"OVERRIDE_CODE"`

	IdentityConflictPolicy string `env:"IDENTITY_CONFLICT_POLICY"`

	WorldBackend   string `env:"WORLD_BACKEND"`
	WorldDir       string `env:"WORLD_DIR"`
	S3RootUser     string `env:"S3_ROOT_USER"`
	S3RootPassword string `env:"S3_ROOT_PASSWORD"`
	S3Bucket       string `env:"S3_BUCKET"`
	S3Region       string `env:"S3_REGION"`
	S3BaseEndpoint string `env:"S3_BASE_ENDPOINT"`

	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

// LoadDefaults populates Config with development defaults.
// NOTE: the secret key and fallback code are insecure for production.
func (c *Config) LoadDefaults() {
	c.HTTPAddr = ":8080"
	c.GRPCAddr = ":50051"
	c.DatabaseDSN = "nucleus.db"
	c.SecretKey = "secretKey"
	c.TokenIssuer = "accounts.nucleus.local"
	c.LogLevel = "info"
	c.DeviceCacheTTL = 24 * time.Hour
	c.JanitorInterval = 10 * time.Minute
	c.VerificationCodeTTL = 15 * time.Minute
	c.VerificationMaxAttempts = 5
	c.VerificationSendInterval = 30 * time.Second
	c.VerificationSendBurst = 3
	c.SMTPPort = 587
	c.FallbackCode = "12345"
	c.IdentityConflictPolicy = PolicyReplace
	c.WorldBackend = WorldBackendFS
	c.WorldDir = "worlds"
	c.S3Bucket = "worlds"
	c.S3Region = "us-east-1"
	c.S3BaseEndpoint = "http://127.0.0.1:9000/"
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file, the environment and finally command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseEnv(cfg)
	parseFlags(cfg)
	return cfg
}
