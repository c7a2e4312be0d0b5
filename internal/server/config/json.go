package config

import (
	"encoding/json"
	"os"

	"github.com/hermitbox/hermitbox/internal/flagx"
	"github.com/hermitbox/hermitbox/internal/timex"
)

// JsonConfig is the intermediate DTO used only for reading JSON
// configuration files. Interval fields use timex.Duration, which parses both
// string values such as "30m" and integer nanoseconds. Zero values mean
// "keep the default"; only non-zero fields are copied into the runtime
// Config.
type JsonConfig struct {
	DatabaseDSN string `json:"database_dsn"`

	SecretKey                   string         `json:"secret_key"`
	AccessTokenValidityDuration timex.Duration `json:"access_token_validity_duration"`
	SessionKeyTTL               timex.Duration `json:"session_key_ttl"`

	IngestAccessKey    string `json:"ingest_access_key"`
	IngestSecretKey    string `json:"ingest_secret_key"`
	IngestBucket       string `json:"ingest_bucket"`
	IngestRegion       string `json:"ingest_region"`
	IngestBaseEndpoint string `json:"ingest_base_endpoint"`

	GatewayURLs []string `json:"gateway_urls"`

	FailoverDir string `json:"failover_dir"`

	UploadTimeoutBase   timex.Duration `json:"upload_timeout_base"`
	UploadTimeoutPerMiB timex.Duration `json:"upload_timeout_per_mib"`

	TrashRetention        timex.Duration `json:"trash_retention"`
	StaleUploadMaxAge     timex.Duration `json:"stale_upload_max_age"`
	InactiveAccountMaxAge timex.Duration `json:"inactive_account_max_age"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance. The file path comes from the -c / -config flags; when
// neither is set, no file is loaded. Unreadable or invalid JSON panics, as
// a misconfigured server must not start.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	if c.DatabaseDSN != "" {
		config.DatabaseDSN = c.DatabaseDSN
	}
	if c.SecretKey != "" {
		config.SecretKey = c.SecretKey
	}
	if c.AccessTokenValidityDuration.Duration != 0 {
		config.AccessTokenValidityDuration = c.AccessTokenValidityDuration.Duration
	}
	if c.SessionKeyTTL.Duration != 0 {
		config.SessionKeyTTL = c.SessionKeyTTL.Duration
	}
	if c.IngestAccessKey != "" {
		config.IngestAccessKey = c.IngestAccessKey
	}
	if c.IngestSecretKey != "" {
		config.IngestSecretKey = c.IngestSecretKey
	}
	if c.IngestBucket != "" {
		config.IngestBucket = c.IngestBucket
	}
	if c.IngestRegion != "" {
		config.IngestRegion = c.IngestRegion
	}
	if c.IngestBaseEndpoint != "" {
		config.IngestBaseEndpoint = c.IngestBaseEndpoint
	}
	if len(c.GatewayURLs) > 0 {
		config.GatewayURLs = c.GatewayURLs
	}
	if c.FailoverDir != "" {
		config.FailoverDir = c.FailoverDir
	}
	if c.UploadTimeoutBase.Duration != 0 {
		config.UploadTimeoutBase = c.UploadTimeoutBase.Duration
	}
	if c.UploadTimeoutPerMiB.Duration != 0 {
		config.UploadTimeoutPerMiB = c.UploadTimeoutPerMiB.Duration
	}
	if c.TrashRetention.Duration != 0 {
		config.TrashRetention = c.TrashRetention.Duration
	}
	if c.StaleUploadMaxAge.Duration != 0 {
		config.StaleUploadMaxAge = c.StaleUploadMaxAge.Duration
	}
	if c.InactiveAccountMaxAge.Duration != 0 {
		config.InactiveAccountMaxAge = c.InactiveAccountMaxAge.Duration
	}
}
