package server

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/branchbox/branchbox/internal/config"
)

func TestIsLoopbackListenAddr(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:8080", true},
		{"localhost:8080", true},
		{"LOCALHOST:8080", true},
		{"[::1]:8080", true},
		{"0.0.0.0:8080", false},
		{":8080", false},
		{"", false},
		{"example.com:8080", false},
		{"10.0.0.5:8080", false},
		{"127.0.0.1", true},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, isLoopbackListenAddr(tc.addr), "addr %q", tc.addr)
	}
}

func TestListenHTTPRefusesPublicBindWithoutAuth(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Type = "none"
	cfg.Server.HTTP.Addr = "0.0.0.0:0"

	_, err := listenHTTP(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "auth.type=none")
}

func TestListenHTTPLoopbackWithoutAuth(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Type = "none"
	cfg.Server.HTTP.Addr = "127.0.0.1:0"

	ln, err := listenHTTP(cfg)
	require.NoError(t, err)
	require.NoError(t, ln.Close())
}

func TestListenGRPCRefusesPublicBindWithoutAuth(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Type = "none"
	cfg.Server.GRPC.Addr = ":9090"

	_, err := listenGRPC(cfg)
	require.Error(t, err)
}

func TestNewNilConfig(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

// New parses every duration before it opens stores or dials Docker, so a
// bad value fails fast with the config key in the message.
func TestNewRejectsBadDurations(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		key    string
	}{
		{"idle timeout", func(c *config.Config) { c.Sessions.IdleTimeout = "soon" }, "sessions.idle_timeout"},
		{"health interval", func(c *config.Config) { c.Health.Interval = "often" }, "health.interval"},
		{"clone timeout", func(c *config.Config) { c.Mirrors.CloneTimeout = "x" }, "mirrors.clone_timeout"},
		{"read timeout", func(c *config.Config) { c.Server.HTTP.ReadTimeout = "-" }, "server.http.read_timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			_, err := New(cfg)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.key)
		})
	}
}
