package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	c := Default()

	require.Equal(t, "0.0.0.0:53", c.ListenAddr)
	require.Equal(t, uint32(3), c.UpstreamMaxFailures)
	require.Equal(t, uint32(30), c.FailureTTL)
	require.Equal(t, uint16(1024), c.UDPPortsBase)
	require.Equal(t, time.Second, c.UpstreamInitialTimeout)
	require.Equal(t, 8*time.Second, c.UpstreamMaxTimeout)
	require.Equal(t, 10*time.Second, c.UpstreamTimeout)
	require.Equal(t, 10*time.Second, c.HealthCheckInterval)
	require.Equal(t, 10*time.Second, c.TCPIdleTimeout)
	require.Equal(t, 1000, c.MaxClientsWaitingForQuery)
	require.Equal(t, 100000, c.MaxActiveQueries)
	require.Equal(t, 1000000, c.MaxWaitingClients)
	require.True(t, c.Log.Stdout)
	require.Equal(t, "info", c.Log.Level)
	require.Equal(t, "console", c.Log.Format)

	// no upstream servers in the defaults
	require.Error(t, c.Validate())
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "edgedns.toml", `
listen_addr = "127.0.0.1:5353"
upstream_servers = ["8.8.8.8:53", "[2001:4860:4860::8888]:53"]
failover = true
min_ttl = 10
max_ttl = 3600
upstream_timeout = "5s"
resolver_threads = 2
user = "nobody"
chroot = "/var/empty"

[webservice]
enabled = true
listen_addr = ":9090"

[log]
level = "debug"
format = "json"
`)

	c, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:5353", c.ListenAddr)
	require.Equal(t, []string{"8.8.8.8:53", "[2001:4860:4860::8888]:53"}, c.UpstreamServers)
	require.True(t, c.Failover)
	require.Equal(t, uint32(10), c.MinTTL)
	require.Equal(t, uint32(3600), c.MaxTTL)
	require.Equal(t, 5*time.Second, c.UpstreamTimeout)
	require.Equal(t, 2, c.ResolverThreads)
	require.Equal(t, "nobody", c.User)
	require.Empty(t, c.Group)
	require.Equal(t, "/var/empty", c.Chroot)
	require.True(t, c.WebService.Enabled)
	require.Equal(t, ":9090", c.WebService.ListenAddr)
	require.Equal(t, "debug", c.Log.Level)
	require.Equal(t, "json", c.Log.Format)

	// untouched keys keep their defaults
	require.Equal(t, time.Second, c.UpstreamInitialTimeout)
	require.Equal(t, uint32(30), c.FailureTTL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.UpstreamServers = []string{"127.0.0.1:53"}
		return c
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"min ttl above max ttl", func(c *Config) { c.MinTTL, c.MaxTTL = 100, 10 }},
		{"bad upstream address", func(c *Config) { c.UpstreamServers = []string{"resolver.example"} }},
		{"empty upstream address", func(c *Config) { c.UpstreamServers = []string{""} }},
		{"bad listen address", func(c *Config) { c.ListenAddr = "127.0.0.1" }},
		{"privileged port base", func(c *Config) { c.UDPPortsBase = 53 }},
		{"port range overflow", func(c *Config) { c.UDPPortsBase, c.UDPPorts = 65000, 1000 }},
		{"max timeout below initial", func(c *Config) { c.UpstreamMaxTimeout = 500 * time.Millisecond }},
		{"zero failures", func(c *Config) { c.UpstreamMaxFailures = 0 }},
		{"tiny cache", func(c *Config) { c.CacheSize = 1 }},
		{"unknown log level", func(c *Config) { c.Log.Level = "trace" }},
		{"unknown log format", func(c *Config) { c.Log.Format = "logfmt" }},
		{"bad webservice address", func(c *Config) { c.WebService.Enabled, c.WebService.ListenAddr = true, "9090" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.modify(c)
			require.Error(t, c.Validate())
		})
	}
}
