package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pion/webrtc/v4"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	SignalingMemory = "memory"
	SignalingRedis  = "redis"

	IncomingPoll      = "poll"
	IncomingSubscribe = "subscribe"

	RolePolicyDeterministic = "deterministic"
	RolePolicyCoinFlip      = "coinflip"

	// minCandidateBuffer - нижняя граница буфера ICE кандидатов до установки remote description
	minCandidateBuffer = 10
)

type Config struct {
	Debug      bool   `env:"DEBUG" envDefault:"false"`
	Port       string `env:"PORT" envDefault:"3000"`
	MetricPort string `env:"METRIC_PORT" envDefault:"9090"`
	Domain     string `env:"DOMAIN" envDefault:"http://localhost:3000"`
	JWTSecret  string `env:"JWT_SECRET,required,notEmpty"`

	CallStore        string `env:"CALL_STORE" envDefault:"postgres"`
	SignalingBackend string `env:"SIGNALING_BACKEND" envDefault:"memory"`
	RedisURL         string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	STUNURLs []string `env:"STUN_URLS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302"`

	// ICEPortMin/ICEPortMax - UDP порты серверного участника (agent, call), 0 - любые
	ICEPortMin uint16 `env:"ICE_PORT_MIN" envDefault:"0"`
	ICEPortMax uint16 `env:"ICE_PORT_MAX" envDefault:"0"`

	Call         CallConfig
	CoturnServer CoturnConfig
	TurnServer   TurnServerConfig
	Postgres     PostgresConfig
}

type CallConfig struct {
	NegotiationTimeout time.Duration `env:"NEGOTIATION_TIMEOUT" envDefault:"120s"`
	CandidateBuffer    int           `env:"CANDIDATE_BUFFER" envDefault:"32"`
	SignalBuffer       int           `env:"SIGNAL_BUFFER" envDefault:"64"`
	PendingTTL         time.Duration `env:"PENDING_TTL" envDefault:"10m"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	IncomingMode       string        `env:"INCOMING_MODE" envDefault:"subscribe"`
	PollInterval       time.Duration `env:"POLL_INTERVAL" envDefault:"3s"`
	RolePolicy         string        `env:"ROLE_POLICY" envDefault:"deterministic"`
}

type PostgresConfig struct {
	URL string `env:"POSTGRES_URL"`

	Host     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port     int    `env:"POSTGRES_PORT" envDefault:"5432"`
	User     string `env:"POSTGRES_USER" envDefault:"postgres"`
	Password string `env:"POSTGRES_PASSWORD" envDefault:"postgres"`
	Name     string `env:"POSTGRES_NAME" envDefault:"medcall"`
	SSL      string `env:"POSTGRES_SSL" envDefault:"disable"`

	MaxOpenConns    int           `env:"POSTGRES_MAX_OPEN_CONNS" envDefault:"20"`
	MaxIdleConns    int           `env:"POSTGRES_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"POSTGRES_CONN_MAX_LIFETIME" envDefault:"30m"`

	// AutoMigrate - накатить миграции при старте serve
	AutoMigrate bool `env:"POSTGRES_AUTO_MIGRATE" envDefault:"false"`
}

func (p *PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}

	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		p.User,
		p.Password,
		p.Host,
		p.Port,
		p.Name,
		p.SSL,
	)
}

// CoturnConfig - TURN опционален, без хоста отдаём только STUN
type CoturnConfig struct {
	Host     string `env:"COTURN_HOST"`
	Username string `env:"COTURN_USERNAME"`
	Password string `env:"COTURN_PASSWORD"`

	// Secret - нужен для генерации временных кредов для фронта
	Secret string `env:"COTURN_SECRET"`
}

func (c CoturnConfig) Enabled() bool {
	return c.Host != ""
}

// TurnServerConfig - встроенный TURN вместо внешнего coturn, креды проверяются по COTURN_SECRET
type TurnServerConfig struct {
	Enabled  bool   `env:"TURN_ENABLED" envDefault:"false"`
	PublicIP string `env:"TURN_PUBLIC_IP" envDefault:"127.0.0.1"`
	Port     int    `env:"TURN_PORT" envDefault:"3478"`
	Realm    string `env:"TURN_REALM" envDefault:"medcall"`
}

func New() (*Config, error) {
	c, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err = c.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &c, nil
}

func (c *Config) validate() error {
	var errs []error

	if len(c.STUNURLs) == 0 {
		errs = append(errs, errors.New("at least one STUN url is required"))
	}

	if c.Call.NegotiationTimeout <= 0 {
		errs = append(errs, errors.New("NEGOTIATION_TIMEOUT must be positive"))
	}

	if c.Call.CandidateBuffer < minCandidateBuffer {
		errs = append(errs, fmt.Errorf("CANDIDATE_BUFFER must be at least %d", minCandidateBuffer))
	}

	if c.Call.PollInterval <= 0 || c.Call.SweepInterval <= 0 || c.Call.PendingTTL <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL, SWEEP_INTERVAL and PENDING_TTL must be positive"))
	}

	switch c.CallStore {
	case StoreMemory, StorePostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown CALL_STORE %q", c.CallStore))
	}

	switch c.SignalingBackend {
	case SignalingMemory, SignalingRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown SIGNALING_BACKEND %q", c.SignalingBackend))
	}

	switch c.Call.IncomingMode {
	case IncomingPoll, IncomingSubscribe:
	default:
		errs = append(errs, fmt.Errorf("unknown INCOMING_MODE %q", c.Call.IncomingMode))
	}

	switch c.Call.RolePolicy {
	case RolePolicyDeterministic, RolePolicyCoinFlip:
	default:
		errs = append(errs, fmt.Errorf("unknown ROLE_POLICY %q", c.Call.RolePolicy))
	}

	if (c.ICEPortMin == 0) != (c.ICEPortMax == 0) || c.ICEPortMin > c.ICEPortMax {
		errs = append(errs, errors.New("ICE_PORT_MIN and ICE_PORT_MAX must be set together and form a range"))
	}

	if c.Postgres.MaxOpenConns <= 0 || c.Postgres.MaxIdleConns < 0 {
		errs = append(errs, errors.New("POSTGRES_MAX_OPEN_CONNS must be positive and POSTGRES_MAX_IDLE_CONNS non-negative"))
	}

	if c.TurnServer.Enabled {
		if c.CoturnServer.Secret == "" {
			errs = append(errs, errors.New("TURN_ENABLED requires COTURN_SECRET"))
		}

		if net.ParseIP(c.TurnServer.PublicIP) == nil {
			errs = append(errs, fmt.Errorf("invalid TURN_PUBLIC_IP %q", c.TurnServer.PublicIP))
		}
	}

	return errors.Join(errs...)
}

// ICEServers собирает список серверов для peer connection: STUN всегда, TURN если настроен
func (c *Config) ICEServers() []webrtc.ICEServer {
	servers := []webrtc.ICEServer{{URLs: c.STUNURLs}}

	if c.CoturnServer.Enabled() {
		servers = append(servers, c.TurnServers()...)
	}

	return servers
}

func (c *Config) TurnServers() []webrtc.ICEServer {
	if !c.CoturnServer.Enabled() {
		return nil
	}

	return []webrtc.ICEServer{
		{
			URLs:       []string{fmt.Sprintf("turn:%s?transport=udp", c.CoturnServer.Host)},
			Username:   c.CoturnServer.Username,
			Credential: c.CoturnServer.Password,
		},
		{
			URLs:       []string{fmt.Sprintf("turn:%s?transport=tcp", c.CoturnServer.Host)},
			Username:   c.CoturnServer.Username,
			Credential: c.CoturnServer.Password,
		},
	}
}
