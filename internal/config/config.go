package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/clank08/govern"
	"github.com/clank08/govern/internal/obs"
	"github.com/clank08/govern/jwt"
	"github.com/clank08/govern/ratelimit"
)

type App struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type Server struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	// ForwardedHeader names the proxy header carrying the client address.
	// Empty means the connection's remote address is used.
	ForwardedHeader string `mapstructure:"forwarded_header"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// InMemory runs an embedded miniredis instead of dialing Addr.
	InMemory bool `mapstructure:"in_memory"`
}

type DB struct {
	// DSN selects the PostgreSQL user store. Empty means in-memory users.
	DSN          string        `mapstructure:"dsn"`
	MaxConns     int32         `mapstructure:"max_conns"`
	MinConns     int32         `mapstructure:"min_conns"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

type Kafka struct {
	Enable  bool     `mapstructure:"enable"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type OTEL struct {
	Enable       bool    `mapstructure:"enable"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

func (oc OTEL) AsOTelConfig() obs.OTelConfig {
	return obs.OTelConfig{
		Enable:      oc.Enable,
		Endpoint:    oc.OTLPEndpoint,
		ServiceName: oc.ServiceName,
		SampleRatio: oc.SampleRatio,
	}
}

type Log struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type Auth struct {
	SigningMethod   string        `mapstructure:"signing_method"`
	PrivateKey      string        `mapstructure:"private_key"`
	PublicKey       string        `mapstructure:"public_key"`
	KeyID           string        `mapstructure:"key_id"`
	Issuer          string        `mapstructure:"issuer"`
	Audience        string        `mapstructure:"audience"`
	AccessTTL       time.Duration `mapstructure:"access_ttl"`
	RefreshTTL      time.Duration `mapstructure:"refresh_ttl"`
	SessionLifetime time.Duration `mapstructure:"session_lifetime"`
	MaxClockSkew    time.Duration `mapstructure:"max_clock_skew"`
}

type Lockout struct {
	Enable    bool          `mapstructure:"enable"`
	Threshold int           `mapstructure:"threshold"`
	Window    time.Duration `mapstructure:"window"`
	Duration  time.Duration `mapstructure:"duration"`
}

type Rule struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

type RateLimit struct {
	// Rules overrides individual route classes; unnamed classes keep defaults.
	Rules       map[string]Rule `mapstructure:"rules"`
	PenaltyBase time.Duration   `mapstructure:"penalty_base"`
}

type Cache struct {
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	MaxEntryBytes int           `mapstructure:"max_entry_bytes"`
}

type Store struct {
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

type Config struct {
	App       App       `mapstructure:"app"`
	Server    Server    `mapstructure:"server"`
	Redis     Redis     `mapstructure:"redis"`
	DB        DB        `mapstructure:"db"`
	Kafka     Kafka     `mapstructure:"kafka"`
	OTEL      OTEL      `mapstructure:"otel"`
	Log       Log       `mapstructure:"log"`
	Auth      Auth      `mapstructure:"auth"`
	Lockout   Lockout   `mapstructure:"lockout"`
	RateLimit RateLimit `mapstructure:"ratelimit"`
	Cache     Cache     `mapstructure:"cache"`
	Store     Store     `mapstructure:"store"`
}

func (c *Config) AsLoggerConfig() obs.LogConfig {
	return obs.LogConfig{
		Level:   c.Log.Level,
		Pretty:  c.Log.Pretty,
		Service: c.App.Name,
		Env:     c.App.Env,
		Version: c.App.Version,
	}
}

// Govern converts the loaded settings into an engine configuration on top
// of govern.DefaultConfig. Keys are base64 encoded (standard alphabet).
func (c *Config) Govern() (govern.Config, error) {
	out := govern.DefaultConfig()

	a := c.Auth
	out.JWT.SigningMethod = jwt.SigningMethod(a.SigningMethod)
	out.JWT.Issuer = a.Issuer
	out.JWT.Audience = a.Audience
	out.JWT.AccessTTL = a.AccessTTL
	out.JWT.RefreshTTL = a.RefreshTTL
	out.Session.AbsoluteLifetime = a.SessionLifetime
	out.JWT.MaxClockSkew = a.MaxClockSkew
	out.JWT.KeyID = a.KeyID

	priv, err := decodeKey("auth.private_key", a.PrivateKey)
	if err != nil {
		return govern.Config{}, err
	}
	pub, err := decodeKey("auth.public_key", a.PublicKey)
	if err != nil {
		return govern.Config{}, err
	}
	out.JWT.PrivateKey = priv
	out.JWT.PublicKey = pub

	out.Lockout = govern.LockoutConfig{
		Enabled:   c.Lockout.Enable,
		Threshold: c.Lockout.Threshold,
		Window:    c.Lockout.Window,
		Duration:  c.Lockout.Duration,
	}

	for name, r := range c.RateLimit.Rules {
		out.RateLimit.Rules[ratelimit.Class(name)] = ratelimit.Rule{Limit: r.Limit, Window: r.Window}
	}
	if c.RateLimit.PenaltyBase > 0 {
		out.RateLimit.Penalty.Base = c.RateLimit.PenaltyBase
	}

	out.Cache.DefaultTTL = c.Cache.DefaultTTL
	out.Cache.MaxEntryBytes = c.Cache.MaxEntryBytes

	out.Store.OperationTimeout = c.Store.OperationTimeout
	out.RateLimit.OperationTimeout = c.Store.OperationTimeout
	out.Cache.OperationTimeout = c.Store.OperationTimeout

	return out, nil
}

func decodeKey(field, value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, ErrConfig(fmt.Sprintf("%s: invalid base64: %v", field, err))
	}
	return b, nil
}

type ErrConfig string

func (e ErrConfig) Error() string { return string(e) }
