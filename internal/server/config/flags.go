package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/nucleus/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-g string   gRPC health bind address (e.g., ":50051")
//	-d string   SQLite DSN
//	-s string   secret key for verification digests
//	-l string   log level
//	-t int      device cache TTL, minutes
//	-p string   identity conflict policy ("replace" or "reject")
//	-o string   operator override verification code
//	-f string   fallback verification code
//	-w string   world backend ("fs" or "s3")
//	-b string   S3 bucket name
//	-e string   S3 base endpoint
//
// Only the flags listed above are considered; the rest of os.Args is left for
// other parsers (see flagx.FilterArgs).
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-g", "-d", "-s", "-l", "-t", "-p", "-o", "-f", "-w", "-b", "-e"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.HTTPAddr, "a", config.HTTPAddr, "HTTP address and port")
	fs.StringVar(&config.GRPCAddr, "g", config.GRPCAddr, "gRPC health address and port")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")

	deviceCacheTTL := fs.Int("t", int(config.DeviceCacheTTL.Minutes()), "device cache ttl (in minutes)")

	fs.StringVar(&config.IdentityConflictPolicy, "p", config.IdentityConflictPolicy, "identity conflict policy")
	fs.StringVar(&config.OverrideCode, "o", config.OverrideCode, "override verification code")
	fs.StringVar(&config.FallbackCode, "f", config.FallbackCode, "fallback verification code")
	fs.StringVar(&config.WorldBackend, "w", config.WorldBackend, "world backend")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.DeviceCacheTTL = time.Duration(*deviceCacheTTL) * time.Minute
}
