package config

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/multiscreen/internal/transport"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if want := Defaults(); *c != want {
		t.Errorf("got %+v, want %+v", *c, want)
	}
	if got, want := c.Ports(), []int{8000, 8001, 8002}; !slices.Equal(got, want) {
		t.Errorf("ports got %v, want %v", got, want)
	}
	if c.Network() != transport.TCP {
		t.Errorf("network got %q, want tcp", c.Network())
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("MULTISCREEN_TRANSPORT", "QUIC")
	t.Setenv("MULTISCREEN_BASE_PORT", "9000")
	t.Setenv("MULTISCREEN_DISPLAYS", "2")
	t.Setenv("MULTISCREEN_ACK_UNITS", "true")
	t.Setenv("MULTISCREEN_RECONNECT_DELAY", "250ms")
	t.Setenv("MULTISCREEN_QUIC_FINGERPRINT", "abc=")

	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.Network() != transport.QUIC {
		t.Errorf("network got %q, want quic", c.Network())
	}
	if got, want := c.Ports(), []int{9000, 9001}; !slices.Equal(got, want) {
		t.Errorf("ports got %v, want %v", got, want)
	}
	if !c.AckUnits {
		t.Error("ack units not set")
	}
	if c.ReconnectDelay != 250*time.Millisecond {
		t.Errorf("reconnect delay got %v, want 250ms", c.ReconnectDelay)
	}
	if c.QUICFingerprint != "abc=" {
		t.Errorf("fingerprint got %q, want abc=", c.QUICFingerprint)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("MULTISCREEN_DISPLAYS", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"transport", func(c *Config) { c.Transport = "udp" }, "unknown transport"},
		{"displays", func(c *Config) { c.Displays = 0 }, "displays"},
		{"port range", func(c *Config) { c.BasePort = 65535 }, "out of range"},
		{"buffer", func(c *Config) { c.MaxBufferBytes = 0 }, "max buffer"},
		{"odd width", func(c *Config) { c.Width = 1921 }, "capture size"},
		{"fps", func(c *Config) { c.FPS = 0 }, "fps"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := Defaults()
			tc.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("got %v, want error containing %q", err, tc.want)
			}
		})
	}
	c := Defaults()
	if err := c.Validate(); err != nil {
		t.Errorf("defaults: %v", err)
	}
}
