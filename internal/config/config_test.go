package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, ":5060", cfg.SIP.Addr)
	assert.Equal(t, 4096, cfg.SIP.MaxLineLength)
	assert.Equal(t, 65536, cfg.SIP.MaxHeaderBytes)
	assert.Equal(t, 65535, cfg.SIP.UDPBuffer)
	assert.Equal(t, "go-sip-server", cfg.Realm)
	assert.Equal(t, 3*time.Second, cfg.Dialog.ShortTimeout)
	assert.Equal(t, 120*time.Second, cfg.Dialog.RegisterTimeout)
	assert.Equal(t, 3600, cfg.Registrar.DefaultExpires)
	assert.Equal(t, 1024, cfg.Registrar.UnknownUserCache)
	assert.Equal(t, 30*time.Second, cfg.Registrar.UnknownUserTTL)
	assert.Equal(t, 180*time.Second, cfg.Device.RingTimeout)
	assert.Equal(t, 256, cfg.Runtime.MaxConcurrency)
	assert.Equal(t, "sip_users.db", cfg.DB.Path)
	assert.Equal(t, ":8080", cfg.Web.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Empty(t, cfg.Log.File.Path)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
registrar:
  sip:
    addr: ":5070"
    advertised_addr: "sip.example.com:5070"
  realm: example.com
  dialog:
    short_timeout: 5s
  device:
    ring_timeout: 1m
  log:
    level: debug
    format: json
    file:
      path: /tmp/registrar.log
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, ":5070", cfg.SIP.Addr)
	assert.Equal(t, "sip.example.com:5070", cfg.SIP.AdvertisedAddr)
	assert.Equal(t, "example.com", cfg.Realm)
	assert.Equal(t, 5*time.Second, cfg.Dialog.ShortTimeout)
	assert.Equal(t, 120*time.Second, cfg.Dialog.RegisterTimeout, "unset keys keep defaults")
	assert.Equal(t, time.Minute, cfg.Device.RingTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/tmp/registrar.log", cfg.Log.File.Path)
	assert.Equal(t, 100, cfg.Log.File.MaxSizeMB)
}

func TestLoadPrecedence(t *testing.T) {
	path := writeFile(t, `
registrar:
  sip:
    addr: ":5070"
  web:
    addr: ":9000"
  db:
    path: file.db
`)
	t.Setenv("REGISTRAR_WEB_ADDR", ":9100")
	t.Setenv("REGISTRAR_DB_PATH", "env.db")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("sip.addr", ":5060", "")
	flags.String("web.addr", ":8080", "")
	flags.String("db.path", "sip_users.db", "")
	flags.String("realm", "go-sip-server", "")
	require.NoError(t, flags.Parse([]string{"--db.path=flag.db"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, ":5070", cfg.SIP.Addr, "file beats flag default")
	assert.Equal(t, ":9100", cfg.Web.Addr, "env beats file")
	assert.Equal(t, "flag.db", cfg.DB.Path, "explicit flag beats env")
	assert.Equal(t, "go-sip-server", cfg.Realm)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "log level",
			content: "registrar:\n  log:\n    level: loud\n",
			want:    "invalid log level",
		},
		{
			name:    "log format",
			content: "registrar:\n  log:\n    format: xml\n",
			want:    "invalid log format",
		},
		{
			name:    "ring timeout",
			content: "registrar:\n  device:\n    ring_timeout: 0s\n",
			want:    "device.ring_timeout must be positive",
		},
		{
			name:    "negative expiry",
			content: "registrar:\n  registrar:\n    default_expires: -1\n",
			want:    "default_expires must not be negative",
		},
		{
			name:    "not yaml",
			content: "registrar: [",
			want:    "failed to read config file",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.content), nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestWriteIsLoadable(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	cfg.Realm = "example.com"
	cfg.Device.RingTimeout = 45 * time.Second

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, cfg))
	assert.Contains(t, buf.String(), "registrar:\n")
	assert.Contains(t, buf.String(), "ring_timeout: 45s")

	got, err := Load(writeFile(t, buf.String()), nil)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Errorf("config changed after write and load (-want +got):\n%s", diff)
	}
}

func TestComponentConfigs(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	p := cfg.Proxy()
	assert.Equal(t, ":5060", p.Addr)
	assert.Equal(t, 4096, p.Limits.MaxLineLength)
	assert.Equal(t, 65535, p.UDPBufferSize)

	d := cfg.DialogTimeouts()
	assert.Equal(t, 3*time.Second, d.ShortTimeout)
	assert.Equal(t, 120*time.Second, d.RegisterTimeout)

	r := cfg.UserEntities()
	assert.Equal(t, "go-sip-server", r.Realm)
	assert.Equal(t, 3600, r.DefaultExpires)
	assert.Nil(t, r.Nonce)

	assert.Equal(t, 180*time.Second, cfg.Devices().RingTimeout)
}
