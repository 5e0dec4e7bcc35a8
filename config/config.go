package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/treemana/edgedns/log"
)

type WebService struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

type Config struct {
	ListenAddr string `mapstructure:"listen_addr" validate:"required"`

	UpstreamServers     []string `mapstructure:"upstream_servers" validate:"required,min=1,dive,required"`
	Failover            bool     `mapstructure:"failover"`
	UpstreamMaxFailures uint32   `mapstructure:"upstream_max_failures" validate:"gte=1"`

	DecrementTTL  bool   `mapstructure:"decrement_ttl"`
	RandomizeCase bool   `mapstructure:"randomize_case"`
	MinTTL        uint32 `mapstructure:"min_ttl"`
	MaxTTL        uint32 `mapstructure:"max_ttl" validate:"gte=1"`
	FailureTTL    uint32 `mapstructure:"failure_ttl" validate:"gte=1"`

	CacheSize int `mapstructure:"cache_size" validate:"gte=4"`

	UDPPorts        uint16 `mapstructure:"udp_ports" validate:"gte=1"`
	UDPPortsBase    uint16 `mapstructure:"udp_ports_base" validate:"gte=1024"`
	ResolverThreads int    `mapstructure:"resolver_threads" validate:"gte=1,lte=64"`

	MaxTCPClients  int64         `mapstructure:"max_tcp_clients" validate:"gte=1"`
	TCPIdleTimeout time.Duration `mapstructure:"tcp_idle_timeout" validate:"gt=0"`

	UpstreamInitialTimeout time.Duration `mapstructure:"upstream_initial_timeout" validate:"gt=0"`
	UpstreamMaxTimeout     time.Duration `mapstructure:"upstream_max_timeout" validate:"gtefield=UpstreamInitialTimeout"`
	UpstreamTimeout        time.Duration `mapstructure:"upstream_timeout" validate:"gt=0"`
	HealthCheckInterval    time.Duration `mapstructure:"health_check_interval" validate:"gt=0"`

	MaxActiveQueries          int `mapstructure:"max_active_queries" validate:"gte=1"`
	MaxClientsWaitingForQuery int `mapstructure:"max_clients_waiting_for_query" validate:"gte=1"`
	MaxWaitingClients         int `mapstructure:"max_waiting_clients" validate:"gte=1"`

	// privileges dropped once every socket is bound, empty keeps them
	User   string `mapstructure:"user"`
	Group  string `mapstructure:"group"`
	Chroot string `mapstructure:"chroot"`

	WebService WebService `mapstructure:"webservice"`
	Log        log.Config `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", "0.0.0.0:53")
	v.SetDefault("failover", false)
	v.SetDefault("upstream_max_failures", 3)
	v.SetDefault("decrement_ttl", true)
	v.SetDefault("randomize_case", false)
	v.SetDefault("min_ttl", 60)
	v.SetDefault("max_ttl", 86400)
	v.SetDefault("failure_ttl", 30)
	v.SetDefault("cache_size", 250000)
	v.SetDefault("udp_ports", 8)
	v.SetDefault("udp_ports_base", 1024)
	v.SetDefault("resolver_threads", 1)
	v.SetDefault("max_tcp_clients", 1000)
	v.SetDefault("tcp_idle_timeout", "10s")
	v.SetDefault("upstream_initial_timeout", "1s")
	v.SetDefault("upstream_max_timeout", "8s")
	v.SetDefault("upstream_timeout", "10s")
	v.SetDefault("health_check_interval", "10s")
	v.SetDefault("max_active_queries", 100000)
	v.SetDefault("max_clients_waiting_for_query", 1000)
	v.SetDefault("max_waiting_clients", 1000000)
	v.SetDefault("user", "")
	v.SetDefault("group", "")
	v.SetDefault("chroot", "")
	v.SetDefault("webservice.enabled", false)
	v.SetDefault("webservice.listen_addr", "0.0.0.0:9090")
	v.SetDefault("log.stdout", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.max_age", 2)
	v.SetDefault("log.max_size", 10)
	v.SetDefault("log.max_backups", 100)
}

// Default returns the configuration used when a key is absent from the file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		panic(err)
	}
	return &c
}

// Load reads the file at path, any format viper knows by its extension.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("edgedns")
	v.AutomaticEnv()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	return &c, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.MinTTL > c.MaxTTL {
		return fmt.Errorf("min_ttl %d greater than max_ttl %d", c.MinTTL, c.MaxTTL)
	}

	if int(c.UDPPortsBase)+int(c.UDPPorts)*c.ResolverThreads > 65536 {
		return errors.New("udp_ports_base + udp_ports * resolver_threads exceeds the port range")
	}

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr %q: %w", c.ListenAddr, err)
	}

	if c.WebService.Enabled {
		if _, _, err := net.SplitHostPort(c.WebService.ListenAddr); err != nil {
			return fmt.Errorf("webservice.listen_addr %q: %w", c.WebService.ListenAddr, err)
		}
	}

	for _, s := range c.UpstreamServers {
		if _, err := netip.ParseAddrPort(s); err != nil {
			return fmt.Errorf("upstream server %q: %w", s, err)
		}
	}

	return nil
}
