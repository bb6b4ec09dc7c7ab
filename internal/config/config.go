// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// VenueCredentials holds one set of API credentials at a venue.
// A venue may appear several times with different account labels
// (linked sub-accounts).
type VenueCredentials struct {
	Venue     string
	Account   string
	APIKey    string
	APISecret string
}

// BackupConfig holds S3-compatible (Cloudflare R2) backup settings
type BackupConfig struct {
	Enabled         bool
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	RetentionDays   int
}

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	LogLevel string
	Port     int
	DevMode  bool

	// The treasury tracks exactly one base asset quoted in one quote asset
	BaseAsset  string
	QuoteAsset string

	// Venue accounts to ingest from. MockVenues replaces every adapter
	// with a deterministic in-process fake (no network, no credentials).
	Venues     []VenueCredentials
	MockVenues bool

	// Opening inventory: starting amount and weighted-average cost,
	// maintained externally and never recomputed here
	OpeningAmount   float64
	OpeningAvgPrice float64

	// Trade fetch tuning
	FetchPageSize    int
	FetchMaxPages    int
	CallTimeoutSecs  int
	PriceFeedEnabled bool

	// Cron schedules (robfig/cron format, with seconds field)
	SyncSchedule        string
	BackupSchedule      string
	MaintenanceSchedule string

	Backup *BackupConfig
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Determine data directory with fallback logic:
	// 1. Check COFFER_DATA_DIR environment variable
	// 2. If not set, default to ./data
	// 3. Always resolve to absolute path
	// 4. Ensure directory exists
	dataDir := getEnv("COFFER_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("COFFER_PORT", 8090),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		BaseAsset:  getEnv("BASE_ASSET", "XYZ"),
		QuoteAsset: getEnv("QUOTE_ASSET", "USDT"),

		Venues:     loadVenueCredentials(),
		MockVenues: getEnvAsBool("MOCK_VENUES", false),

		OpeningAmount:   getEnvAsFloat("OPENING_AMOUNT", 0),
		OpeningAvgPrice: getEnvAsFloat("OPENING_AVG_PRICE", 0),

		FetchPageSize:    getEnvAsInt("FETCH_PAGE_SIZE", 100),
		FetchMaxPages:    getEnvAsInt("FETCH_MAX_PAGES", 10),
		CallTimeoutSecs:  getEnvAsInt("VENUE_CALL_TIMEOUT", 30),
		PriceFeedEnabled: getEnvAsBool("PRICE_FEED_ENABLED", false),

		// Every 15 minutes / daily at 03:10 / daily at 04:40
		SyncSchedule:        getEnv("SYNC_SCHEDULE", "0 */15 * * * *"),
		BackupSchedule:      getEnv("BACKUP_SCHEDULE", "0 10 3 * * *"),
		MaintenanceSchedule: getEnv("MAINTENANCE_SCHEDULE", "0 40 4 * * *"),

		Backup: loadBackupConfig(),
	}

	// Mock mode with no explicit accounts still needs venue-accounts to
	// fan out over, so synthesize the default pair
	if cfg.MockVenues && len(cfg.Venues) == 0 {
		cfg.Venues = []VenueCredentials{
			{Venue: "gateio", Account: "main"},
			{Venue: "lbank", Account: "main"},
		}
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadVenueCredentials reads the fixed set of supported venue-accounts
// from the environment. An account is configured when its API key is set.
func loadVenueCredentials() []VenueCredentials {
	candidates := []struct {
		venue   string
		account string
		prefix  string
	}{
		{"gateio", "main", "GATEIO"},
		{"gateio", "treasury", "GATEIO_TREASURY"},
		{"lbank", "main", "LBANK"},
		{"lbank", "treasury", "LBANK_TREASURY"},
	}

	var creds []VenueCredentials
	for _, c := range candidates {
		apiKey := getEnv(c.prefix+"_API_KEY", "")
		if apiKey == "" {
			continue
		}
		creds = append(creds, VenueCredentials{
			Venue:     c.venue,
			Account:   c.account,
			APIKey:    apiKey,
			APISecret: getEnv(c.prefix+"_API_SECRET", ""),
		})
	}

	return creds
}

// loadBackupConfig loads R2 backup settings; disabled unless a bucket is set
func loadBackupConfig() *BackupConfig {
	bucket := getEnv("R2_BUCKET_NAME", "")

	return &BackupConfig{
		Enabled:         bucket != "",
		AccountID:       getEnv("R2_ACCOUNT_ID", ""),
		AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("R2_SECRET_ACCESS_KEY", ""),
		BucketName:      bucket,
		RetentionDays:   getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
	}
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if len(c.Venues) == 0 && !c.MockVenues {
		return fmt.Errorf("no venue accounts configured: set *_API_KEY variables or MOCK_VENUES=true")
	}

	if c.BaseAsset == "" || c.QuoteAsset == "" {
		return fmt.Errorf("BASE_ASSET and QUOTE_ASSET must not be empty")
	}

	if c.OpeningAmount < 0 {
		return fmt.Errorf("OPENING_AMOUNT must not be negative")
	}

	if c.FetchPageSize <= 0 || c.FetchMaxPages <= 0 {
		return fmt.Errorf("FETCH_PAGE_SIZE and FETCH_MAX_PAGES must be positive")
	}

	return nil
}

// Symbol returns the trading pair symbol in venue-neutral form (e.g. "XYZ_USDT")
func (c *Config) Symbol() string {
	return c.BaseAsset + "_" + c.QuoteAsset
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
