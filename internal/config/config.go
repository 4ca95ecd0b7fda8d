package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultListenAddr   = ":8094"
	DefaultRedisAddr    = "localhost:6379"
	DefaultIssuer       = "pressgate"
	DefaultAccessTTL    = 15 * time.Minute
	DefaultRefreshTTL   = 7 * 24 * time.Hour
	DefaultStoreTimeout = 2 * time.Second
	DefaultAuditCap     = 1000
	DefaultTokenRate    = 30 // grant attempts per minute per client IP
)

const (
	minMasterSecretLen = 16
	minSigningKeyLen   = 32
)

// Config carries every runtime knob for the service. Instances are built
// once at startup via FromEnv and treated as immutable afterwards.
type Config struct {
	ListenAddr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// MasterSecret gates writer-scope issuance and the operator endpoints.
	MasterSecret string
	// SigningKey is the HS256 key used for access tokens. It must be
	// distinct from MasterSecret so a leaked bearer secret cannot forge
	// signatures.
	SigningKey []byte
	Issuer     string

	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// StoreTimeout bounds every per-request store round-trip.
	StoreTimeout time.Duration

	AuditCap int64
	// AuditMirror additionally writes audit entries to stdout as JSON lines.
	AuditMirror bool

	// RevokeOnReuse revokes every credential of a subject when one of its
	// consumed refresh tokens is presented again.
	RevokeOnReuse bool

	// TokenRatePerMinute limits grant attempts per client IP.
	TokenRatePerMinute int
	// TrustProxyHeader resolves the client IP from X-Forwarded-For. Leave
	// off unless a trusted reverse proxy sets the header.
	TrustProxyHeader bool

	LogJSON  bool
	LogLevel string
}

// FromEnv reads PRESSGATE_* environment variables, applies defaults, and
// validates the result.
func FromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:         envOr("PRESSGATE_LISTEN_ADDR", DefaultListenAddr),
		RedisAddr:          envOr("PRESSGATE_REDIS_ADDR", DefaultRedisAddr),
		RedisPassword:      os.Getenv("PRESSGATE_REDIS_PASSWORD"),
		MasterSecret:       os.Getenv("PRESSGATE_MASTER_SECRET"),
		SigningKey:         []byte(os.Getenv("PRESSGATE_SIGNING_KEY")),
		Issuer:             envOr("PRESSGATE_ISSUER", DefaultIssuer),
		AccessTTL:          DefaultAccessTTL,
		RefreshTTL:         DefaultRefreshTTL,
		StoreTimeout:       DefaultStoreTimeout,
		AuditCap:           DefaultAuditCap,
		AuditMirror:        envBool("PRESSGATE_AUDIT_MIRROR", false),
		RevokeOnReuse:      envBool("PRESSGATE_REVOKE_ON_REUSE", true),
		TokenRatePerMinute: DefaultTokenRate,
		TrustProxyHeader:   envBool("PRESSGATE_TRUST_PROXY", false),
		LogJSON:            envBool("PRESSGATE_LOG_JSON", true),
		LogLevel:           envOr("PRESSGATE_LOG_LEVEL", "info"),
	}

	var err error
	if cfg.RedisDB, err = envInt("PRESSGATE_REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	if cfg.AccessTTL, err = envDuration("PRESSGATE_ACCESS_TTL", DefaultAccessTTL); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTTL, err = envDuration("PRESSGATE_REFRESH_TTL", DefaultRefreshTTL); err != nil {
		return Config{}, err
	}
	if cfg.StoreTimeout, err = envDuration("PRESSGATE_STORE_TIMEOUT", DefaultStoreTimeout); err != nil {
		return Config{}, err
	}
	auditCap, err := envInt("PRESSGATE_AUDIT_CAP", DefaultAuditCap)
	if err != nil {
		return Config{}, err
	}
	cfg.AuditCap = int64(auditCap)
	if cfg.TokenRatePerMinute, err = envInt("PRESSGATE_TOKEN_RATE", DefaultTokenRate); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that would weaken the credential model.
func (c Config) Validate() error {
	if c.MasterSecret == "" {
		return errors.New("config: master secret is required")
	}
	if len(c.MasterSecret) < minMasterSecretLen {
		return fmt.Errorf("config: master secret must be at least %d characters", minMasterSecretLen)
	}
	if len(c.SigningKey) < minSigningKeyLen {
		return fmt.Errorf("config: signing key must be at least %d bytes", minSigningKeyLen)
	}
	if string(c.SigningKey) == c.MasterSecret {
		return errors.New("config: signing key must differ from master secret")
	}
	if c.AccessTTL <= 0 {
		return errors.New("config: access TTL must be positive")
	}
	if c.RefreshTTL <= 0 {
		return errors.New("config: refresh TTL must be positive")
	}
	if c.AccessTTL >= c.RefreshTTL {
		return errors.New("config: access TTL must be shorter than refresh TTL")
	}
	if c.StoreTimeout <= 0 {
		return errors.New("config: store timeout must be positive")
	}
	if c.AuditCap <= 0 {
		return errors.New("config: audit cap must be positive")
	}
	if c.TokenRatePerMinute <= 0 {
		return errors.New("config: token rate must be positive")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return parsed, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return parsed, nil
}
