package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const (
	// DatabaseSchemePostgres is the postgres database scheme identifier
	DatabaseSchemePostgres = "postgres"

	DefaultStorageDir       = "data"
	DefaultPort             = 8080
	DefaultAutosaveInterval = 5 * time.Minute
	DefaultChunkInterval    = 500 * time.Millisecond
	DefaultSessionCacheSize = 16
)

type Config struct {
	StorageDir       string
	DBDialect        string // postgres only
	DBDsn            string // DSN string passed to GORM driver
	Port             int
	Debug            bool
	AutosaveInterval time.Duration
	ChunkInterval    time.Duration
	DeviceID         string
	SessionCacheSize int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func getenvInt(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return def
	}
	return d
}

// parseDatabaseURL interprets DATABASE_URL and returns (dialect, dsn).
// Supported schemes: postgres, postgresql.
func parseDatabaseURL(databaseURL string) (string, string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", "", err
	}
	switch strings.ToLower(u.Scheme) {
	case DatabaseSchemePostgres, "postgresql":
		return DatabaseSchemePostgres, databaseURL, nil
	default:
		return "", "", fmt.Errorf("unsupported DATABASE_URL scheme: %s", u.Scheme)
	}
}

// LoadDotEnv seeds the environment from path when the file exists. Variables
// already set win.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return godotenv.Load(path)
}

// Load reads the configuration from the environment. It does not validate,
// so flags bound afterwards can still correct a bad value.
func Load() (Config, error) {
	cfg := Config{
		StorageDir:       getenv("STORAGE_DIR", DefaultStorageDir),
		Port:             getenvInt("PORT", DefaultPort),
		Debug:            getenvBool("DEBUG", false),
		AutosaveInterval: getenvDuration("AUTOSAVE_INTERVAL", DefaultAutosaveInterval),
		ChunkInterval:    getenvDuration("CHUNK_INTERVAL", DefaultChunkInterval),
		DeviceID:         getenv("DEVICE_ID", uuid.New().String()),
		SessionCacheSize: getenvInt("SESSION_CACHE_SIZE", DefaultSessionCacheSize),
	}

	if dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL")); dbURL != "" {
		dialect, dsn, err := parseDatabaseURL(dbURL)
		if err != nil {
			return cfg, err
		}
		cfg.DBDialect = dialect
		cfg.DBDsn = dsn
	}
	return cfg, nil
}

// BindFlags registers command line overrides for c on fs. Values already in
// c become the flag defaults, so flags win over the environment.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.StorageDir, "storage-dir", c.StorageDir, "directory for the file store")
	fs.StringVar(&c.DBDsn, "database-url", c.DBDsn, "postgres DSN; replaces the file store when set")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "development logging")
	fs.DurationVar(&c.AutosaveInterval, "autosave-interval", c.AutosaveInterval, "interval between state saves")
	fs.DurationVar(&c.ChunkInterval, "chunk-interval", c.ChunkInterval, "time each sync record is displayed")
	fs.StringVar(&c.DeviceID, "device-id", c.DeviceID, "identifier written into exported transfer files")
	fs.IntVar(&c.SessionCacheSize, "session-cache-size", c.SessionCacheSize, "concurrent receive sessions kept")
}

// Validate checks c after flags have been applied.
func (c *Config) Validate() error {
	if c.DBDsn != "" && c.DBDialect == "" {
		dialect, _, err := parseDatabaseURL(c.DBDsn)
		if err != nil {
			return err
		}
		c.DBDialect = dialect
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.AutosaveInterval <= 0 {
		return fmt.Errorf("autosave interval must be positive, got %s", c.AutosaveInterval)
	}
	if c.ChunkInterval <= 0 {
		return fmt.Errorf("chunk interval must be positive, got %s", c.ChunkInterval)
	}
	if c.SessionCacheSize <= 0 {
		return fmt.Errorf("session cache size must be positive, got %d", c.SessionCacheSize)
	}
	return nil
}

func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c Config) String() string {
	return fmt.Sprintf("storage=%s db=%s port=%d", c.StorageDir, c.DBDialect, c.Port)
}

// DebugString returns a human-friendly configuration string with masked secrets.
func (c Config) DebugString() string {
	return fmt.Sprintf(
		"storage=%s db=%s dsn=%s port=%d debug=%t autosave=%s chunk_interval=%s device=%s sessions=%d",
		c.StorageDir,
		c.DBDialect,
		maskDSN(c.DBDialect, c.DBDsn),
		c.Port,
		c.Debug,
		c.AutosaveInterval,
		c.ChunkInterval,
		c.DeviceID,
		c.SessionCacheSize,
	)
}

func maskDSN(dialect, dsn string) string {
	switch strings.ToLower(dialect) {
	case DatabaseSchemePostgres:
		if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
			if u.User != nil {
				u.User = url.User(u.User.Username())
			}
			return u.String()
		}
		// key-value DSN
		parts := strings.Fields(dsn)
		for i, p := range parts {
			if strings.HasPrefix(strings.ToLower(p), "password=") {
				parts[i] = "password=***"
			}
		}
		return strings.Join(parts, " ")
	default:
		return dsn
	}
}
