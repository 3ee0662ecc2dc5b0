// Package config loads the server configuration using viper.
package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"sip-registrar/internal/dialog"
	"sip-registrar/internal/proxy"
	"sip-registrar/internal/registrar"
	"sip-registrar/internal/routing"
	"sip-registrar/internal/sip"
)

// rootKey is the top-level YAML key. Environment variables carry the
// matching REGISTRAR_ prefix, e.g. REGISTRAR_SIP_ADDR.
const rootKey = "registrar"

// Config is the complete server configuration.
type Config struct {
	SIP       SIPConfig       `mapstructure:"sip" yaml:"sip"`
	Realm     string          `mapstructure:"realm" yaml:"realm"`
	Dialog    DialogConfig    `mapstructure:"dialog" yaml:"dialog"`
	Registrar RegistrarConfig `mapstructure:"registrar" yaml:"registrar"`
	Device    DeviceConfig    `mapstructure:"device" yaml:"device"`
	Runtime   RuntimeConfig   `mapstructure:"runtime" yaml:"runtime"`
	DB        DBConfig        `mapstructure:"db" yaml:"db"`
	Web       WebConfig       `mapstructure:"web" yaml:"web"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// SIPConfig configures the SIP listeners and the decoder.
type SIPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
	// AdvertisedAddr is put in Via headers. Empty derives it from Addr.
	AdvertisedAddr   string `mapstructure:"advertised_addr" yaml:"advertised_addr"`
	MaxLineLength    int    `mapstructure:"max_line_length" yaml:"max_line_length"`
	MaxHeaderBytes   int    `mapstructure:"max_header_bytes" yaml:"max_header_bytes"`
	MaxContentLength int    `mapstructure:"max_content_length" yaml:"max_content_length"`
	UDPBuffer        int    `mapstructure:"udp_buffer" yaml:"udp_buffer"`
}

// DialogConfig holds the dialog inactivity timeouts.
type DialogConfig struct {
	ShortTimeout    time.Duration `mapstructure:"short_timeout" yaml:"short_timeout"`
	RegisterTimeout time.Duration `mapstructure:"register_timeout" yaml:"register_timeout"`
}

// RegistrarConfig configures user entities.
type RegistrarConfig struct {
	DefaultExpires   int           `mapstructure:"default_expires" yaml:"default_expires"`
	UnknownUserCache int           `mapstructure:"unknown_user_cache" yaml:"unknown_user_cache"`
	UnknownUserTTL   time.Duration `mapstructure:"unknown_user_ttl" yaml:"unknown_user_ttl"`
}

// DeviceConfig configures device entities.
type DeviceConfig struct {
	RingTimeout time.Duration `mapstructure:"ring_timeout" yaml:"ring_timeout"`
}

// RuntimeConfig configures the entity runtime.
type RuntimeConfig struct {
	MaxConcurrency int `mapstructure:"max_concurrency" yaml:"max_concurrency"`
}

// DBConfig locates the user database.
type DBConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// WebConfig configures the admin HTTP server.
type WebConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string     `mapstructure:"level" yaml:"level"`   // debug | info | warn | error
	Format string     `mapstructure:"format" yaml:"format"` // text | json
	File   FileConfig `mapstructure:"file" yaml:"file"`
}

// FileConfig enables a rotated log file when Path is set.
type FileConfig struct {
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// configRoot wraps Config under the root key.
type configRoot struct {
	Registrar Config `mapstructure:"registrar" yaml:"registrar"`
}

// Flags maps command line flag names to configuration keys.
var Flags = map[string]string{
	"sip.addr": "sip.addr",
	"web.addr": "web.addr",
	"db.path":  "db.path",
	"realm":    "realm",
}

// Load reads the configuration. An empty path skips the file. Flags that
// were set on the command line beat environment variables, which beat the
// file, which beats the defaults.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		for name, key := range Flags {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(rootKey+"."+key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Registrar

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := func(key string, value any) { v.SetDefault(rootKey+"."+key, value) }

	d("sip.addr", ":5060")
	d("sip.advertised_addr", "")
	d("sip.max_line_length", sip.DefaultLimits.MaxLineLength)
	d("sip.max_header_bytes", sip.DefaultLimits.MaxHeaderBytes)
	d("sip.max_content_length", sip.DefaultLimits.MaxContentLength)
	d("sip.udp_buffer", 65535)

	d("realm", "go-sip-server")

	d("dialog.short_timeout", "3s")
	d("dialog.register_timeout", "120s")

	d("registrar.default_expires", 3600)
	d("registrar.unknown_user_cache", 1024)
	d("registrar.unknown_user_ttl", "30s")

	d("device.ring_timeout", "180s")

	d("runtime.max_concurrency", 256)

	d("db.path", "sip_users.db")
	d("web.addr", ":8080")

	d("log.level", "info")
	d("log.format", "text")
	d("log.file.path", "")
	d("log.file.max_size_mb", 100)
	d("log.file.max_backups", 5)
	d("log.file.max_age_days", 30)
	d("log.file.compress", true)
}

// Validate checks values that would otherwise fail at startup.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", c.Log.Level)
	}
	if f := strings.ToLower(c.Log.Format); f != "json" && f != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", c.Log.Format)
	}
	if c.SIP.Addr == "" {
		return fmt.Errorf("sip.addr is required")
	}
	if c.Realm == "" {
		return fmt.Errorf("realm is required")
	}
	if c.DB.Path == "" {
		return fmt.Errorf("db.path is required")
	}
	if c.Registrar.DefaultExpires < 0 {
		return fmt.Errorf("registrar.default_expires must not be negative: %d", c.Registrar.DefaultExpires)
	}
	for key, d := range map[string]time.Duration{
		"dialog.short_timeout":    c.Dialog.ShortTimeout,
		"dialog.register_timeout": c.Dialog.RegisterTimeout,
		"device.ring_timeout":     c.Device.RingTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive: %s", key, d)
		}
	}
	return nil
}

// Write encodes cfg as YAML under the root key, in the format Load reads.
func Write(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(configRoot{Registrar: *cfg}); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

// Proxy returns the SIP listener settings.
func (c *Config) Proxy() proxy.Config {
	return proxy.Config{
		Addr:           c.SIP.Addr,
		AdvertisedAddr: c.SIP.AdvertisedAddr,
		Limits: sip.Limits{
			MaxLineLength:    c.SIP.MaxLineLength,
			MaxHeaderBytes:   c.SIP.MaxHeaderBytes,
			MaxContentLength: c.SIP.MaxContentLength,
		},
		UDPBufferSize: c.SIP.UDPBuffer,
	}
}

// DialogTimeouts returns the dialog entity settings.
func (c *Config) DialogTimeouts() dialog.Config {
	return dialog.Config{
		ShortTimeout:    c.Dialog.ShortTimeout,
		RegisterTimeout: c.Dialog.RegisterTimeout,
	}
}

// UserEntities returns the registrar settings. The nonce generator is
// left to the registrar default.
func (c *Config) UserEntities() registrar.Config {
	return registrar.Config{
		Realm:                c.Realm,
		DefaultExpires:       c.Registrar.DefaultExpires,
		UnknownUserCacheSize: c.Registrar.UnknownUserCache,
		UnknownUserTTL:       c.Registrar.UnknownUserTTL,
	}
}

// Devices returns the device entity settings. Via is filled in by the
// proxy from its advertised address.
func (c *Config) Devices() routing.DeviceConfig {
	return routing.DeviceConfig{RingTimeout: c.Device.RingTimeout}
}
