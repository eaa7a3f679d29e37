package couchdb_test

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	couchdb "github.com/cabify/go-cloudant"
)

func TestConnectionConfigBuilder(t *testing.T) {
	cfg, err := couchdb.NewConnectionConfig().
		SocketTimeout(30 * time.Second).
		ConnectionTimeout(5 * time.Second).
		MaxConnections(20).
		Proxy("proxy.local", 3128).
		Build()
	require.NoError(t, err)

	assert.Equal(t, couchdb.ConnectionConfig{
		SocketTimeout:     30 * time.Second,
		ConnectionTimeout: 5 * time.Second,
		MaxConnections:    20,
		ProxyHost:         "proxy.local",
		ProxyPort:         3128,
	}, cfg)
	assert.Equal(t, "http://proxy.local:3128", cfg.ProxyURL().String())

	client := cfg.HTTPClient()
	assert.Equal(t, 30*time.Second, client.Timeout)
	tr, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 20, tr.MaxConnsPerHost)
	assert.Equal(t, 30*time.Second, tr.ResponseHeaderTimeout)
	assert.Equal(t, 5*time.Second, tr.TLSHandshakeTimeout)

	proxy, err := tr.Proxy(&http.Request{URL: asURL("http://db.local:5984/")})
	require.NoError(t, err)
	assert.Equal(t, "proxy.local:3128", proxy.Host)
}

func TestConnectionConfigDefaults(t *testing.T) {
	cfg, err := couchdb.NewConnectionConfig().Build()
	require.NoError(t, err)
	assert.Nil(t, cfg.ProxyURL())

	client := cfg.HTTPClient()
	assert.Zero(t, client.Timeout)
	assert.NotSame(t, http.DefaultTransport, client.Transport)
}

func TestConnectionConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		builder *couchdb.ConnectionConfigBuilder
	}{
		{"negative socket timeout", couchdb.NewConnectionConfig().SocketTimeout(-time.Second)},
		{"negative connection timeout", couchdb.NewConnectionConfig().ConnectionTimeout(-time.Second)},
		{"negative max connections", couchdb.NewConnectionConfig().MaxConnections(-1)},
		{"port without host", couchdb.NewConnectionConfig().Proxy("", 8080)},
		{"host without port", couchdb.NewConnectionConfig().Proxy("proxy.local", 0)},
		{"port out of range", couchdb.NewConnectionConfig().Proxy("proxy.local", 70000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build()
			require.Error(t, err)
			assert.True(t, couchdb.IsValidation(err), "got %v", err)
		})
	}
}

func TestParseConnectionConfig(t *testing.T) {
	cfg, err := couchdb.ParseConnectionConfig([]byte(`
socket_timeout: 1m
connection_timeout: 10s
max_connections: 8
proxy_host: proxy.local
proxy_port: 3128
`))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.SocketTimeout)
	assert.Equal(t, 10*time.Second, cfg.ConnectionTimeout)
	assert.Equal(t, 8, cfg.MaxConnections)
	assert.Equal(t, "proxy.local", cfg.ProxyHost)
	assert.Equal(t, 3128, cfg.ProxyPort)
}

func TestParseConnectionConfigErrors(t *testing.T) {
	_, err := couchdb.ParseConnectionConfig([]byte("socket_timeot: 1m\n"))
	assert.Error(t, err, "unknown keys are rejected")

	_, err = couchdb.ParseConnectionConfig([]byte("socket_timeout: soon\n"))
	require.Error(t, err)
	assert.True(t, couchdb.IsValidation(err))

	_, err = couchdb.ParseConnectionConfig([]byte("max_connections: -3\n"))
	require.Error(t, err)
	assert.True(t, couchdb.IsValidation(err))
}

func TestLoadConnectionConfig(t *testing.T) {
	file := filepath.Join(t.TempDir(), "couchdb.yaml")
	require.NoError(t, os.WriteFile(file, []byte("max_connections: 4\n"), 0o600))

	cfg, err := couchdb.LoadConnectionConfig(file)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxConnections)

	_, err = couchdb.LoadConnectionConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
