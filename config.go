package couchdb

import (
	"bytes"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// ConnectionConfig holds the settings of the HTTP transport used by a
// Client. Zero values leave the net/http default in place.
//
// A ConnectionConfig is a value; it is built once with
// NewConnectionConfig and then handed to NewClient.
type ConnectionConfig struct {
	SocketTimeout     time.Duration
	ConnectionTimeout time.Duration
	MaxConnections    int
	ProxyHost         string
	ProxyPort         int
}

// ConnectionConfigBuilder collects connection settings.
//
//	cfg, err := couchdb.NewConnectionConfig().
//		SocketTimeout(30 * time.Second).
//		MaxConnections(20).
//		Build()
type ConnectionConfigBuilder struct {
	cfg ConnectionConfig
}

// NewConnectionConfig starts a builder with all settings at their defaults.
func NewConnectionConfig() *ConnectionConfigBuilder {
	return &ConnectionConfigBuilder{}
}

// SocketTimeout bounds the time spent waiting on a response.
func (b *ConnectionConfigBuilder) SocketTimeout(d time.Duration) *ConnectionConfigBuilder {
	b.cfg.SocketTimeout = d
	return b
}

// ConnectionTimeout bounds the time spent dialing the server.
func (b *ConnectionConfigBuilder) ConnectionTimeout(d time.Duration) *ConnectionConfigBuilder {
	b.cfg.ConnectionTimeout = d
	return b
}

// MaxConnections bounds the number of concurrent connections to the server.
func (b *ConnectionConfigBuilder) MaxConnections(n int) *ConnectionConfigBuilder {
	b.cfg.MaxConnections = n
	return b
}

// Proxy routes all requests through an HTTP proxy.
func (b *ConnectionConfigBuilder) Proxy(host string, port int) *ConnectionConfigBuilder {
	b.cfg.ProxyHost = host
	b.cfg.ProxyPort = port
	return b
}

// Build validates the collected settings.
func (b *ConnectionConfigBuilder) Build() (ConnectionConfig, error) {
	if err := b.cfg.validate(); err != nil {
		return ConnectionConfig{}, err
	}
	return b.cfg, nil
}

func (c ConnectionConfig) validate() error {
	switch {
	case c.SocketTimeout < 0:
		return invalid("socket timeout", "must not be negative")
	case c.ConnectionTimeout < 0:
		return invalid("connection timeout", "must not be negative")
	case c.MaxConnections < 0:
		return invalid("max connections", "must not be negative")
	case c.ProxyHost == "" && c.ProxyPort != 0:
		return invalid("proxy", "port %d set without host", c.ProxyPort)
	case c.ProxyHost != "" && (c.ProxyPort < 1 || c.ProxyPort > 65535):
		return invalid("proxy", "port %d out of range", c.ProxyPort)
	}
	return nil
}

// ProxyURL returns the proxy address, or nil when no proxy is configured.
func (c ConnectionConfig) ProxyURL() *url.URL {
	if c.ProxyHost == "" {
		return nil
	}
	return &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(c.ProxyHost, strconv.Itoa(c.ProxyPort)),
	}
}

// HTTPClient creates the http.Client that carries the settings.
// Each call returns a client with its own connection pool.
func (c ConnectionConfig) HTTPClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if c.ConnectionTimeout > 0 {
		tr.DialContext = (&net.Dialer{
			Timeout:   c.ConnectionTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext
		tr.TLSHandshakeTimeout = c.ConnectionTimeout
	}
	if c.SocketTimeout > 0 {
		tr.ResponseHeaderTimeout = c.SocketTimeout
	}
	if c.MaxConnections > 0 {
		tr.MaxConnsPerHost = c.MaxConnections
		tr.MaxIdleConnsPerHost = c.MaxConnections
	}
	if proxy := c.ProxyURL(); proxy != nil {
		tr.Proxy = http.ProxyURL(proxy)
	}
	return &http.Client{Transport: tr, Timeout: c.SocketTimeout}
}

type yamlConnectionConfig struct {
	SocketTimeout     string `yaml:"socket_timeout"`
	ConnectionTimeout string `yaml:"connection_timeout"`
	MaxConnections    int    `yaml:"max_connections"`
	ProxyHost         string `yaml:"proxy_host"`
	ProxyPort         int    `yaml:"proxy_port"`
}

// LoadConnectionConfig reads connection settings from a YAML file.
// Timeouts use Go duration syntax ("30s", "1m"). Unknown keys are rejected.
func LoadConnectionConfig(file string) (ConnectionConfig, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return ConnectionConfig{}, xerrors.Errorf("read connection config: %w", err)
	}
	return ParseConnectionConfig(data)
}

// ParseConnectionConfig is LoadConnectionConfig for in-memory YAML.
func ParseConnectionConfig(data []byte) (ConnectionConfig, error) {
	var raw yamlConnectionConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return ConnectionConfig{}, xerrors.Errorf("parse connection config: %w", err)
	}
	b := NewConnectionConfig().
		MaxConnections(raw.MaxConnections).
		Proxy(raw.ProxyHost, raw.ProxyPort)
	if raw.SocketTimeout != "" {
		d, err := time.ParseDuration(raw.SocketTimeout)
		if err != nil {
			return ConnectionConfig{}, invalid("socket timeout", "%v", err)
		}
		b.SocketTimeout(d)
	}
	if raw.ConnectionTimeout != "" {
		d, err := time.ParseDuration(raw.ConnectionTimeout)
		if err != nil {
			return ConnectionConfig{}, invalid("connection timeout", "%v", err)
		}
		b.ConnectionTimeout(d)
	}
	return b.Build()
}
