package config

import "fmt"

// APIConfig contains the read-only reporting API settings.
type APIConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
	Auth        APIAuthConfig   `yaml:"auth,omitempty" mapstructure:"auth"`

	// WebBaseURL is the upstream web root used for deep links,
	// e.g. https://gitlab.example.com/course-2024/. Defaults to
	// upstream.url joined with upstream.group.
	WebBaseURL string `yaml:"web_base_url,omitempty" mapstructure:"web_base_url"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// APIAuthConfig contains authentication settings.
type APIAuthConfig struct {
	Basic BasicAuthConfig `yaml:"basic,omitempty" mapstructure:"basic"`
}

// BasicAuthConfig configures HTTP basic authentication for the dashboard.
type BasicAuthConfig struct {
	Enabled bool            `yaml:"enabled" mapstructure:"enabled"`
	Users   []BasicAuthUser `yaml:"users,omitempty" mapstructure:"users"`
}

// BasicAuthUser defines a dashboard user. PasswordHash is a bcrypt hash.
type BasicAuthUser struct {
	Username     string `yaml:"username" mapstructure:"username"`
	PasswordHash string `yaml:"password_hash" mapstructure:"password_hash"`
}

// ValidateAPI checks the reporting API configuration.
func (c *Config) ValidateAPI() error {
	if c.API.Listen == "" {
		return fmt.Errorf("api.listen is required")
	}

	if c.API.RateLimit.Enabled && c.API.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("api.rate_limit.requests_per_minute must be positive")
	}

	if c.API.Auth.Basic.Enabled {
		if len(c.API.Auth.Basic.Users) == 0 {
			return fmt.Errorf("api.auth.basic.users must not be empty when basic auth is enabled")
		}

		for i, u := range c.API.Auth.Basic.Users {
			if u.Username == "" || u.PasswordHash == "" {
				return fmt.Errorf("api.auth.basic.users[%d]: username and password_hash are required", i)
			}
		}
	}

	if c.Sync.Enabled && c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}

	return nil
}
