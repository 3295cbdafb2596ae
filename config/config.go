// Package config loads process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"

	"github.com/ggoodman/sockethub/cluster"
	"github.com/joeshaw/envdecode"
)

// Redis locates a Redis server.
type Redis struct {
	Host     string
	Port     string
	User     string
	Password string
}

// Addr returns host:port.
func (r Redis) Addr() string { return net.JoinHostPort(r.Host, r.Port) }

// Config for the sockethub daemon. Defaults are provided via struct tags.
type Config struct {
	// Key-value cache store. ENV: REDIS_HOST, REDIS_PORT, REDIS_USER, REDIS_PASSWORD
	RedisHost     string `env:"REDIS_HOST,default=127.0.0.1"`
	RedisPort     string `env:"REDIS_PORT,default=6379"`
	RedisUser     string `env:"REDIS_USER"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// ENV: CACHE_KEY_PREFIX, CACHE_FILE
	CacheKeyPrefix string `env:"CACHE_KEY_PREFIX"`
	CacheFile      string `env:"CACHE_FILE,default=public/storage/cache.json"`

	// Pub/sub broker; each field falls back to the cache store's value.
	// ENV: BROKER_HOST, BROKER_PORT, BROKER_USER, BROKER_PASSWORD, BROKER_CHANNEL
	BrokerHost     string `env:"BROKER_HOST"`
	BrokerPort     string `env:"BROKER_PORT"`
	BrokerUser     string `env:"BROKER_USER"`
	BrokerPassword string `env:"BROKER_PASSWORD"`
	BrokerChannel  string `env:"BROKER_CHANNEL,default=socket.io#/#"`

	// Instance ordinal candidates, resolved by the cluster package.
	NodeAppInstance string `env:"NODE_APP_INSTANCE"`
	InstanceID      string `env:"INSTANCE_ID"`

	// ENV: APP_ADDR (admin HTTP), REALTIME_ADDR (WebSocket)
	AppAddr      string `env:"APP_ADDR,default=:3000"`
	RealtimeAddr string `env:"REALTIME_ADDR,default=:3001"`

	// Token verification. One of JWT_SECRET_ACCESS_TOKEN, AUTH_JWKS_URI or
	// AUTH_ISSUER must be set.
	JWTSecret     string `env:"JWT_SECRET_ACCESS_TOKEN"`
	JWKSURI       string `env:"AUTH_JWKS_URI"`
	Issuer        string `env:"AUTH_ISSUER"`
	Audience      string `env:"AUTH_AUDIENCE"`
	IdentityClaim string `env:"AUTH_IDENTITY_CLAIM,default=phonenumber"`

	// ENV: USERS_FILE, API_KEY
	UsersFile string `env:"USERS_FILE,default=public/storage/users.json"`
	APIKey    string `env:"API_KEY"`

	// ENV: LOG_LEVEL (debug|info|warn|error), LOG_FORMAT (text|json|pretty)
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`
}

// Load reads the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.applyBrokerFallbacks()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyBrokerFallbacks() {
	if c.BrokerHost == "" {
		c.BrokerHost = c.RedisHost
	}
	if c.BrokerPort == "" {
		c.BrokerPort = c.RedisPort
	}
	if c.BrokerUser == "" {
		c.BrokerUser = c.RedisUser
	}
	if c.BrokerPassword == "" {
		c.BrokerPassword = c.RedisPassword
	}
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" && c.JWKSURI == "" && c.Issuer == "" {
		errs = append(errs, errors.New("one of JWT_SECRET_ACCESS_TOKEN, AUTH_JWKS_URI or AUTH_ISSUER is required"))
	}
	if c.CacheFile == "" {
		errs = append(errs, errors.New("CACHE_FILE must not be empty"))
	}
	if c.UsersFile == "" {
		errs = append(errs, errors.New("USERS_FILE must not be empty"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q is not one of text, json, pretty", c.LogFormat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Store returns the cache store location.
func (c *Config) Store() Redis {
	return Redis{Host: c.RedisHost, Port: c.RedisPort, User: c.RedisUser, Password: c.RedisPassword}
}

// Broker returns the pub/sub broker location.
func (c *Config) Broker() Redis {
	return Redis{Host: c.BrokerHost, Port: c.BrokerPort, User: c.BrokerUser, Password: c.BrokerPassword}
}

// OrdinalVars returns the instance ordinal candidates in precedence order.
func (c *Config) OrdinalVars() []cluster.Var {
	return []cluster.Var{
		{Name: cluster.EnvNodeAppInstance, Value: c.NodeAppInstance},
		{Name: cluster.EnvInstanceID, Value: c.InstanceID},
	}
}

// LockFile is the primary-election lock, kept next to the cache file.
func (c *Config) LockFile() string {
	return filepath.Join(filepath.Dir(c.CacheFile), "primary.lock")
}
