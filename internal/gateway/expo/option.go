package expo

import (
	"net/http"

	"github.com/hailwave/go-dispatch-service/pkg/dispatch"
)

// Config holds the client's connection settings.
type Config struct {
	Host        string
	APIPath     string
	AccessToken string
	HTTPClient  *http.Client
	EnableGzip  bool
	Retry       *dispatch.RetryPolicy
}

// Option mutates the client configuration.
type Option func(*Config)

func WithHost(host string) Option {
	return func(c *Config) { c.Host = host }
}

func WithAPIPath(path string) Option {
	return func(c *Config) { c.APIPath = path }
}

func WithAccessToken(token string) Option {
	return func(c *Config) { c.AccessToken = token }
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) { c.HTTPClient = client }
}

func WithGzip(enabled bool) Option {
	return func(c *Config) { c.EnableGzip = enabled }
}

// WithRetryPolicy installs the caller's transport retry schedule.
func WithRetryPolicy(policy *dispatch.RetryPolicy) Option {
	return func(c *Config) { c.Retry = policy }
}

func withDefaults(c *Config) {
	if c.Host == "" {
		c.Host = "https://exp.host"
	}
	if c.APIPath == "" {
		c.APIPath = "/--/api/v2"
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Retry == nil {
		c.Retry = dispatch.DefaultRetryPolicy()
	}
}
