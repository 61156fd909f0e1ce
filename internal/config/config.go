package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

const (
	dirName   = ".toolproxy"
	fileName  = "config.yaml"
	envPrefix = "TOOLPROXY"
)

type ProxyConfig struct {
	EndpointURL        string        `mapstructure:"endpoint_url"`
	APIKey             string        `mapstructure:"api_key"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	MaxWait            time.Duration `mapstructure:"max_wait"`
	MaxPollAttempts    int           `mapstructure:"max_poll_attempts"`
	BackoffFactor      float64       `mapstructure:"backoff_factor"`
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	PollTimeout        time.Duration `mapstructure:"poll_timeout"`
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout"`
	ResultTTL          time.Duration `mapstructure:"result_ttl"`
	CallbackBaseURL    string        `mapstructure:"callback_base_url"`
}

type ServerConfig struct {
	Listen        string `mapstructure:"listen"`
	InternalToken string `mapstructure:"internal_token"`
}

type RedisConfig struct {
	URL             string `mapstructure:"url"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	CallbackChannel string `mapstructure:"callback_channel"`
	EventChannel    string `mapstructure:"event_channel"`
	InvokeStream    string `mapstructure:"invoke_stream"`
	ConsumerGroup   string `mapstructure:"consumer_group"`
}

func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.URL) != "" }

type Config struct {
	Proxy  ProxyConfig  `mapstructure:"proxy"`
	Server ServerConfig `mapstructure:"server"`
	Redis  RedisConfig  `mapstructure:"redis"`
}

type LoadOptions struct {
	// ConfigFile overrides the search for .toolproxy/config.yaml. It must
	// exist when set.
	ConfigFile string
}

// envAliases are short environment names accepted next to the
// TOOLPROXY_<SECTION>_<KEY> form.
var envAliases = map[string]string{
	"proxy.endpoint_url":  "TOOLPROXY_ENDPOINT_URL",
	"proxy.api_key":       "TOOLPROXY_API_KEY",
	"proxy.poll_interval": "TOOLPROXY_POLL_INTERVAL",
	"proxy.max_wait":      "TOOLPROXY_MAX_WAIT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("proxy.endpoint_url", "")
	v.SetDefault("proxy.api_key", "")
	v.SetDefault("proxy.poll_interval", 1500*time.Millisecond)
	v.SetDefault("proxy.max_wait", 25*time.Second)
	v.SetDefault("proxy.max_poll_attempts", 15)
	v.SetDefault("proxy.backoff_factor", 1.5)
	v.SetDefault("proxy.handshake_timeout", 10*time.Second)
	v.SetDefault("proxy.request_timeout", 15*time.Second)
	v.SetDefault("proxy.poll_timeout", 5*time.Second)
	v.SetDefault("proxy.session_idle_timeout", 60*time.Second)
	v.SetDefault("proxy.result_ttl", 5*time.Minute)
	v.SetDefault("proxy.callback_base_url", "")

	v.SetDefault("server.listen", ":8089")
	v.SetDefault("server.internal_token", "")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.key_prefix", "toolproxy:result:")
	v.SetDefault("redis.callback_channel", "toolproxy:callback")
	v.SetDefault("redis.event_channel", "toolproxy:evt")
	v.SetDefault("redis.invoke_stream", "toolproxy:invoke")
	v.SetDefault("redis.consumer_group", "toolproxy")
}

func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range envAliases {
		long := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, long, alias); err != nil {
			return nil, err
		}
	}

	path := ResolveConfigPath(opts.ConfigFile)
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if opts.ConfigFile != "" {
		return nil, fmt.Errorf("config file %s: %w", opts.ConfigFile, err)
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(durationHook(), mapstructure.StringToSliceHookFunc(","))
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// durationHook accepts Go duration strings and bare numbers, which are read as
// milliseconds.
func durationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != durationType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			s := strings.TrimSpace(v)
			if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
				return time.Duration(ms) * time.Millisecond, nil
			}
			return time.ParseDuration(s)
		case int:
			return time.Duration(v) * time.Millisecond, nil
		case int64:
			return time.Duration(v) * time.Millisecond, nil
		case float64:
			return time.Duration(v * float64(time.Millisecond)), nil
		}
		return data, nil
	}
}

func (c *Config) Validate() error {
	var errs []error
	if u := c.Proxy.EndpointURL; u != "" {
		if err := checkHTTPURL(u); err != nil {
			errs = append(errs, fmt.Errorf("proxy.endpoint_url: %w", err))
		}
	}
	if u := c.Proxy.CallbackBaseURL; u != "" {
		if err := checkHTTPURL(u); err != nil {
			errs = append(errs, fmt.Errorf("proxy.callback_base_url: %w", err))
		}
	}
	for name, d := range map[string]time.Duration{
		"proxy.poll_interval":        c.Proxy.PollInterval,
		"proxy.max_wait":             c.Proxy.MaxWait,
		"proxy.handshake_timeout":    c.Proxy.HandshakeTimeout,
		"proxy.request_timeout":      c.Proxy.RequestTimeout,
		"proxy.poll_timeout":         c.Proxy.PollTimeout,
		"proxy.session_idle_timeout": c.Proxy.SessionIdleTimeout,
		"proxy.result_ttl":           c.Proxy.ResultTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Proxy.MaxPollAttempts <= 0 {
		errs = append(errs, errors.New("proxy.max_poll_attempts must be positive"))
	}
	if c.Proxy.BackoffFactor <= 1 {
		errs = append(errs, errors.New("proxy.backoff_factor must be greater than 1"))
	}
	if strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Redis.Enabled() {
		if _, err := redis.ParseURL(c.Redis.URL); err != nil {
			errs = append(errs, fmt.Errorf("redis.url: %w", err))
		}
	}
	return errors.Join(errs...)
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// ResolveConfigPath returns explicit when set. Otherwise it searches upward
// from the working directory for .toolproxy/config.yaml, stopping at the
// project root (a directory holding .git), and falls back to
// DefaultConfigPath.
func ResolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	dir, err := os.Getwd()
	if err == nil {
		for {
			candidate := filepath.Join(dir, dirName, fileName)
			if fileExists(candidate) {
				return candidate
			}
			if fileExists(filepath.Join(dir, ".git")) {
				break
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	return DefaultConfigPath()
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(dirName, fileName)
	}
	return filepath.Join(home, dirName, fileName)
}

// ApplyFile validates src and installs it at dst.
func ApplyFile(src, dst string) error {
	cfg, err := Load(LoadOptions{ConfigFile: src})
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", src, err)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
