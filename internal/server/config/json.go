package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/nucleus/internal/flagx"
	"github.com/dmitrijs2005/nucleus/internal/timex"
)

// JsonConfig is the on-disk JSON shape of Config. Durations use
// timex.Duration so both "24h" strings and integer nanoseconds parse.
// Pointer fields distinguish "absent" from zero values, so a partial file
// only overrides what it names.
type JsonConfig struct {
	HTTPAddr    *string `json:"http_addr"`
	GRPCAddr    *string `json:"grpc_addr"`
	DatabaseDSN *string `json:"database_dsn"`
	SecretKey   *string `json:"secret_key"`
	TokenIssuer *string `json:"token_issuer"`
	LogLevel    *string `json:"log_level"`

	DeviceCacheTTL  *timex.Duration `json:"device_cache_ttl"`
	JanitorInterval *timex.Duration `json:"janitor_interval"`

	VerificationCodeTTL      *timex.Duration `json:"verification_code_ttl"`
	VerificationMaxAttempts  *int            `json:"verification_max_attempts"`
	VerificationSendInterval *timex.Duration `json:"verification_send_interval"`
	VerificationSendBurst    *int            `json:"verification_send_burst"`

	EmailEnabled *bool   `json:"email_enabled"`
	SMTPHost     *string `json:"smtp_host"`
	SMTPPort     *int    `json:"smtp_port"`
	SMTPUser     *string `json:"smtp_user"`
	SMTPPassword *string `json:"smtp_password"`
	SMTPFrom     *string `json:"smtp_from"`

	APIEnabled  *bool   `json:"api_enabled"`
	APIEndpoint *string `json:"api_endpoint"`
	APIKey      *string `json:"api_key"`

	FallbackCode *string `json:"fallback_code"`
	OverrideCode *string `json:"override_code"`

	IdentityConflictPolicy *string `json:"identity_conflict_policy"`

	WorldBackend   *string `json:"world_backend"`
	WorldDir       *string `json:"world_dir"`
	S3RootUser     *string `json:"s3_root_user"`
	S3RootPassword *string `json:"s3_root_password"`
	S3Bucket       *string `json:"s3_bucket"`
	S3Region       *string `json:"s3_region"`
	S3BaseEndpoint *string `json:"s3_base_endpoint"`

	OTelEndpoint *string `json:"otel_endpoint"`
}

// parseJson loads the file named by -c/-config (if any) and overlays the
// fields it contains onto config. Unreadable files or invalid JSON panic.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	c.apply(config)
}

func (c *JsonConfig) apply(config *Config) {
	setString(&config.HTTPAddr, c.HTTPAddr)
	setString(&config.GRPCAddr, c.GRPCAddr)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.SecretKey, c.SecretKey)
	setString(&config.TokenIssuer, c.TokenIssuer)
	setString(&config.LogLevel, c.LogLevel)

	setDuration(&config.DeviceCacheTTL, c.DeviceCacheTTL)
	setDuration(&config.JanitorInterval, c.JanitorInterval)

	setDuration(&config.VerificationCodeTTL, c.VerificationCodeTTL)
	setInt(&config.VerificationMaxAttempts, c.VerificationMaxAttempts)
	setDuration(&config.VerificationSendInterval, c.VerificationSendInterval)
	setInt(&config.VerificationSendBurst, c.VerificationSendBurst)

	setBool(&config.EmailEnabled, c.EmailEnabled)
	setString(&config.SMTPHost, c.SMTPHost)
	setInt(&config.SMTPPort, c.SMTPPort)
	setString(&config.SMTPUser, c.SMTPUser)
	setString(&config.SMTPPassword, c.SMTPPassword)
	setString(&config.SMTPFrom, c.SMTPFrom)

	setBool(&config.APIEnabled, c.APIEnabled)
	setString(&config.APIEndpoint, c.APIEndpoint)
	setString(&config.APIKey, c.APIKey)

	setString(&config.FallbackCode, c.FallbackCode)
	setString(&config.OverrideCode, c.OverrideCode)

	setString(&config.IdentityConflictPolicy, c.IdentityConflictPolicy)

	setString(&config.WorldBackend, c.WorldBackend)
	setString(&config.WorldDir, c.WorldDir)
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)

	setString(&config.OTelEndpoint, c.OTelEndpoint)
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *timex.Duration) {
	if src != nil {
		*dst = src.Duration
	}
}
