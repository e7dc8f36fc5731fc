// Package config loads hlsplay settings from defaults, an optional YAML file,
// HLSPLAY_* environment variables and command-line flags, in increasing order
// of precedence.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tanq16/hlsplay/internal/fetch"
	"github.com/tanq16/hlsplay/internal/player"
	"github.com/tanq16/hlsplay/internal/utils"
)

const EnvPrefix = "HLSPLAY"

type Config struct {
	Debug    bool           `mapstructure:"debug" yaml:"debug"`
	HTTP     HTTPConfig     `mapstructure:"http" yaml:"http"`
	Playback PlaybackConfig `mapstructure:"playback" yaml:"playback"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	S3       S3Config       `mapstructure:"s3" yaml:"s3"`
}

type HTTPConfig struct {
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	KeepAlive     time.Duration `mapstructure:"keep_alive" yaml:"keep_alive"`
	UserAgent     string        `mapstructure:"user_agent" yaml:"user_agent"`
	ProxyURL      string        `mapstructure:"proxy" yaml:"proxy"`
	ProxyUsername string        `mapstructure:"proxy_username" yaml:"proxy_username"`
	ProxyPassword string        `mapstructure:"proxy_password" yaml:"proxy_password"`
	Headers       []string      `mapstructure:"headers" yaml:"headers"`
	BearerToken   string        `mapstructure:"bearer_token" yaml:"bearer_token"`
}

type PlaybackConfig struct {
	PreferredPeakBitrate         int           `mapstructure:"preferred_peak_bitrate" yaml:"preferred_peak_bitrate"`
	BufferDuration               time.Duration `mapstructure:"buffer_duration" yaml:"buffer_duration"`
	StartsOnFirstEligibleVariant bool          `mapstructure:"starts_on_first_eligible_variant" yaml:"starts_on_first_eligible_variant"`
}

type CacheConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type S3Config struct {
	Profile  string `mapstructure:"profile" yaml:"profile"`
	Region   string `mapstructure:"region" yaml:"region"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("http.timeout", 60*time.Second)
	v.SetDefault("http.keep_alive", 90*time.Second)
	v.SetDefault("http.user_agent", utils.DefaultUserAgent)
	v.SetDefault("http.proxy", "")
	v.SetDefault("http.proxy_username", "")
	v.SetDefault("http.proxy_password", "")
	v.SetDefault("http.headers", []string{})
	v.SetDefault("http.bearer_token", "")
	v.SetDefault("playback.preferred_peak_bitrate", 0)
	v.SetDefault("playback.buffer_duration", 10*time.Second)
	v.SetDefault("playback.starts_on_first_eligible_variant", false)
	v.SetDefault("cache.root", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("s3.profile", "")
	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
}

// New returns a viper instance with defaults and environment binding applied.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile merges a YAML config file into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode configuration: %w", err)
	}
	cfg.splitProxyAuth()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Playback.BufferDuration < 0 {
		return fmt.Errorf("buffer duration cannot be negative")
	}
	if c.Playback.PreferredPeakBitrate < 0 {
		return fmt.Errorf("preferred peak bitrate cannot be negative")
	}
	if c.HTTP.Timeout < 0 || c.HTTP.KeepAlive < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	return nil
}

// splitProxyAuth moves credentials embedded in the proxy URL into the
// username and password fields unless those were given explicitly.
func (c *Config) splitProxyAuth() {
	parsed, err := url.Parse(c.HTTP.ProxyURL)
	if err != nil || parsed.User == nil || c.HTTP.ProxyUsername != "" {
		return
	}
	c.HTTP.ProxyUsername = parsed.User.Username()
	if password, set := parsed.User.Password(); set {
		c.HTTP.ProxyPassword = password
	}
	parsed.User = nil
	c.HTTP.ProxyURL = parsed.String()
}

func (c *Config) HTTPClientConfig() utils.HTTPClientConfig {
	return utils.HTTPClientConfig{
		Timeout:       c.HTTP.Timeout,
		KATimeout:     c.HTTP.KeepAlive,
		ProxyURL:      c.HTTP.ProxyURL,
		ProxyUsername: c.HTTP.ProxyUsername,
		ProxyPassword: c.HTTP.ProxyPassword,
		UserAgent:     c.HTTP.UserAgent,
		Headers:       utils.ParseHeaderArgs(c.HTTP.Headers),
		BearerToken:   c.HTTP.BearerToken,
	}
}

func (c *Config) PlayerConfig() player.Config {
	return player.Config{
		PreferredPeakBitrate:         c.Playback.PreferredPeakBitrate,
		BufferDuration:               c.Playback.BufferDuration.Seconds(),
		StartsOnFirstEligibleVariant: c.Playback.StartsOnFirstEligibleVariant,
	}
}

func (c *Config) S3FetcherConfig() fetch.S3Config {
	return fetch.S3Config{
		Profile:  c.S3.Profile,
		Region:   c.S3.Region,
		Endpoint: c.S3.Endpoint,
	}
}

// NewFetcher builds the scheme router used by every command.
func (c *Config) NewFetcher() *fetch.Router {
	httpFetcher := fetch.NewHTTPFetcher(utils.NewHLSHTTPClient(c.HTTPClientConfig()))
	return fetch.NewRouter().
		Handle("http", httpFetcher).
		Handle("https", httpFetcher).
		Handle("s3", fetch.NewS3FetcherFromConfig(c.S3FetcherConfig()))
}
