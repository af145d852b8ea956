package kernel

import "time"

// BackoffConfig defines redial backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// TLSConfig points at PEM material for wss:// endpoints. The zero value
// dials with the system trust store and no client certificate.
type TLSConfig struct {
	CAFile     string
	CertFile   string
	KeyFile    string
	ServerName string
}

// Config defines transport reliability defaults for the backend client.
type Config struct {
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	// MaxDialAttempts caps Run's redial loop; zero or negative retries forever.
	MaxDialAttempts int
	Backoff         BackoffConfig
	// Token, when set, is presented on the dial request as
	// "Authorization: token <value>".
	Token  string
	TLS    TLSConfig
	Limits FrameLimits
}

// DefaultConfig returns the client reliability defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    5 * time.Second,
		WriteTimeout:      15 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		Limits: DefaultFrameLimits(),
	}
}

// WithDefaults fills zero-valued reliability fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = def.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier < 1.0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	if c.Limits.MaxFrameBytes <= 0 {
		c.Limits.MaxFrameBytes = DefaultFrameLimits().MaxFrameBytes
	}
	if c.Limits.MaxParts <= 0 {
		c.Limits.MaxParts = DefaultFrameLimits().MaxParts
	}
	return c
}
