package config

import (
	"flag"
	"os"

	"github.com/hermitbox/hermitbox/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   PostgreSQL DSN
//	-s string   JWT HMAC secret key
//	-u string   ingestion access key
//	-p string   ingestion secret key
//	-b string   ingestion bucket name
//	-g string   ingestion region
//	-e string   ingestion base endpoint (e.g., "http://127.0.0.1:9000/")
//	-f string   local failover directory
//
// The function first filters os.Args to only the flags it recognizes using
// flagx.FilterArgs, avoiding collisions with other components.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-s", "-u", "-p", "-b", "-g", "-e", "-f"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	fs.StringVar(&config.IngestAccessKey, "u", config.IngestAccessKey, "ingestion access key")
	fs.StringVar(&config.IngestSecretKey, "p", config.IngestSecretKey, "ingestion secret key")
	fs.StringVar(&config.IngestBucket, "b", config.IngestBucket, "ingestion bucket")
	fs.StringVar(&config.IngestRegion, "g", config.IngestRegion, "ingestion region")
	fs.StringVar(&config.IngestBaseEndpoint, "e", config.IngestBaseEndpoint, "ingestion base endpoint")
	fs.StringVar(&config.FailoverDir, "f", config.FailoverDir, "local failover directory")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
