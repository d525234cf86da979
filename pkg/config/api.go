package config

const (
	// DefaultAPIListen is the default API server listen address.
	DefaultAPIListen = ":8080"

	// DefaultPublicRateLimit is the per-IP request budget for
	// unauthenticated report reads.
	DefaultPublicRateLimit = 120

	// DefaultAuthenticatedRateLimit is the per-IP request budget for
	// authenticated clients.
	DefaultAuthenticatedRateLimit = 600
)

// APIConfig contains all API server configuration.
type APIConfig struct {
	Server APIServerConfig `yaml:"server"`
	Auth   APIAuthConfig   `yaml:"auth"`
}

// APIServerConfig contains HTTP server settings.
type APIServerConfig struct {
	Listen      string          `yaml:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Public        RateLimitTier `yaml:"public,omitempty"`
	Authenticated RateLimitTier `yaml:"authenticated,omitempty"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// APIAuthConfig contains authentication settings.
type APIAuthConfig struct {
	AnonymousRead bool            `yaml:"anonymous_read"`
	Basic         BasicAuthConfig `yaml:"basic,omitempty"`
}

// BasicAuthConfig configures username/password authentication.
type BasicAuthConfig struct {
	Enabled bool            `yaml:"enabled"`
	Users   []BasicAuthUser `yaml:"users,omitempty"`
}

// BasicAuthUser defines a basic auth user from config. PasswordHash
// holds a bcrypt hash, never a cleartext password.
type BasicAuthUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

func (a *APIConfig) applyDefaults() {
	if a.Server.Listen == "" {
		a.Server.Listen = DefaultAPIListen
	}

	if a.Server.RateLimit.Public.RequestsPerMinute == 0 {
		a.Server.RateLimit.Public.RequestsPerMinute = DefaultPublicRateLimit
	}

	if a.Server.RateLimit.Authenticated.RequestsPerMinute == 0 {
		a.Server.RateLimit.Authenticated.RequestsPerMinute = DefaultAuthenticatedRateLimit
	}
}
