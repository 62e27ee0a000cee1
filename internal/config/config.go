package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/amirk1998/classroom-access/internal/security"
)

type Config struct {
	// Database configuration
	DBDriver        string
	DBPath          string
	DBEncryptionKey string
	DBMaxOpenConns  int

	// Credential policy
	LockoutThreshold    int
	LockoutDuration     time.Duration
	PasswordHistorySize int
	PasswordHashScheme  string
	PasswordHashCost    int
	PasswordPolicyFile  string
	PasswordPolicy      security.PolicyConfig

	// Sessions
	SessionTimeout       time.Duration
	SessionSweepInterval time.Duration
	ResetTokenTTL        time.Duration
	SessionStore         string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int

	// Audit configuration
	AuditStore    string
	AuditBoltPath string
	AuditLogPath  string
	AuditChainKey string

	// Storage behaviour
	StorageTimeout     time.Duration
	StorageReadRetries int

	// Bootstrap admin
	DefaultAdminIdentity string
	DefaultAdminPassword string

	// Backup configuration
	BackupDir           string
	BackupEncryptionKey string
	BackupInterval      time.Duration
	BackupRetentionDays int

	// Rate limiting
	RateLimitRPS   int
	RateLimitBurst int

	// Application settings
	Environment string
	LogLevel    string
	LogFormat   string
}

const (
	DriverSQLCipher = "sqlcipher"
	DriverSQLite    = "sqlite"

	StoreSQL   = "sql"
	StoreRedis = "redis"
	StoreBolt  = "bolt"
)

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (not required in production)
	godotenv.Load()

	config := &Config{
		DBDriver:             getEnv("DB_DRIVER", DriverSQLCipher),
		DBPath:               getEnv("DB_PATH", "./data/classroom_access.db"),
		DBEncryptionKey:      getEnv("DB_ENCRYPTION_KEY", ""),
		DBMaxOpenConns:       getEnvAsInt("DB_MAX_OPEN_CONNS", 1),
		LockoutThreshold:     getEnvAsInt("LOCKOUT_THRESHOLD", 5),
		LockoutDuration:      time.Duration(getEnvAsInt("LOCKOUT_DURATION_MINUTES", 15)) * time.Minute,
		PasswordHistorySize:  getEnvAsInt("PASSWORD_HISTORY_SIZE", 5),
		PasswordHashScheme:   getEnv("PASSWORD_HASH_SCHEME", security.SchemeBcrypt),
		PasswordHashCost:     getEnvAsInt("PASSWORD_HASH_COST", security.DefaultBcryptCost),
		PasswordPolicyFile:   getEnv("PASSWORD_POLICY_FILE", ""),
		SessionTimeout:       time.Duration(getEnvAsInt("SESSION_TIMEOUT_MINUTES", 30)) * time.Minute,
		SessionSweepInterval: time.Duration(getEnvAsInt("SESSION_SWEEP_INTERVAL_SECONDS", 60)) * time.Second,
		ResetTokenTTL:        time.Duration(getEnvAsInt("RESET_TOKEN_TTL_MINUTES", 30)) * time.Minute,
		SessionStore:         getEnv("SESSION_STORE", StoreSQL),
		RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""),
		RedisDB:              getEnvAsInt("REDIS_DB", 0),
		AuditStore:           getEnv("AUDIT_STORE", StoreSQL),
		AuditBoltPath:        getEnv("AUDIT_BOLT_PATH", "./data/audit.bolt"),
		AuditLogPath:         getEnv("AUDIT_LOG_PATH", "./logs/audit.log"),
		AuditChainKey:        getEnv("AUDIT_CHAIN_KEY", ""),
		StorageTimeout:       time.Duration(getEnvAsInt("STORAGE_TIMEOUT_SECONDS", 5)) * time.Second,
		StorageReadRetries:   getEnvAsInt("STORAGE_READ_RETRIES", 3),
		DefaultAdminIdentity: getEnv("DEFAULT_ADMIN_IDENTITY", "ADMIN001"),
		DefaultAdminPassword: getEnv("DEFAULT_ADMIN_PASSWORD", ""),
		BackupDir:            getEnv("BACKUP_DIR", "./backups"),
		BackupEncryptionKey:  getEnv("BACKUP_ENCRYPTION_KEY", ""),
		BackupInterval:       time.Duration(getEnvAsInt("BACKUP_INTERVAL_HOURS", 24)) * time.Hour,
		BackupRetentionDays:  getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
		RateLimitRPS:         getEnvAsInt("RATE_LIMIT_REQUESTS_PER_SECOND", 0),
		RateLimitBurst:       getEnvAsInt("RATE_LIMIT_BURST", 10),
		Environment:          getEnv("APP_ENV", "development"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "text"),
	}

	policy, err := LoadPolicy(config.PasswordPolicyFile)
	if err != nil {
		return nil, err
	}
	policy.MinLength = getEnvAsInt("PASSWORD_MIN_LENGTH", policy.MinLength)
	policy.RejectSequential = getEnvAsBool("PASSWORD_REJECT_SEQUENTIAL", policy.RejectSequential)
	config.PasswordPolicy = policy

	// Validate critical configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// LoadPolicy returns the default password policy overlaid with the TOML file
// at path. An empty path yields the defaults.
func LoadPolicy(path string) (security.PolicyConfig, error) {
	policy := security.DefaultPolicyConfig()
	if path == "" {
		return policy, nil
	}

	if _, err := toml.DecodeFile(path, &policy); err != nil {
		return policy, fmt.Errorf("failed to load password policy %s: %w", path, err)
	}
	return policy, nil
}

// Validate ensures all required configuration is present
func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLCipher:
		if c.DBEncryptionKey == "" {
			return fmt.Errorf("DB_ENCRYPTION_KEY is required")
		}
		if len(c.DBEncryptionKey) < 32 {
			return fmt.Errorf("DB_ENCRYPTION_KEY must be at least 32 characters")
		}
	case DriverSQLite:
	default:
		return fmt.Errorf("DB_DRIVER must be %q or %q", DriverSQLCipher, DriverSQLite)
	}

	if c.LockoutThreshold < 1 {
		return fmt.Errorf("LOCKOUT_THRESHOLD must be positive")
	}
	if c.LockoutDuration <= 0 {
		return fmt.Errorf("LOCKOUT_DURATION_MINUTES must be positive")
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("SESSION_TIMEOUT_MINUTES must be positive")
	}
	if c.ResetTokenTTL <= 0 {
		return fmt.Errorf("RESET_TOKEN_TTL_MINUTES must be positive")
	}
	if c.PasswordHistorySize < 0 {
		return fmt.Errorf("PASSWORD_HISTORY_SIZE must not be negative")
	}
	if c.StorageTimeout <= 0 {
		return fmt.Errorf("STORAGE_TIMEOUT_SECONDS must be positive")
	}

	// Scheme and cost errors are fatal rather than a weaker fallback.
	if _, err := security.NewPasswordHasher(c.PasswordHashScheme, c.PasswordHashCost); err != nil {
		return fmt.Errorf("PASSWORD_HASH_SCHEME/PASSWORD_HASH_COST: %w", err)
	}

	if c.PasswordPolicy.MinLength < 1 {
		return fmt.Errorf("password policy min_length must be positive")
	}

	switch c.SessionStore {
	case StoreSQL, StoreRedis:
	default:
		return fmt.Errorf("SESSION_STORE must be %q or %q", StoreSQL, StoreRedis)
	}

	switch c.AuditStore {
	case StoreSQL, StoreBolt:
	default:
		return fmt.Errorf("AUDIT_STORE must be %q or %q", StoreSQL, StoreBolt)
	}

	if c.AuditChainKey != "" && len(c.AuditChainKey) < 32 {
		return fmt.Errorf("AUDIT_CHAIN_KEY must be at least 32 characters")
	}

	if c.BackupEncryptionKey != "" && len(c.BackupEncryptionKey) < 32 {
		return fmt.Errorf("BACKUP_ENCRYPTION_KEY must be at least 32 characters")
	}

	return nil
}

// Helper functions to read environment variables
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
