package config

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with environment overrides applied. It is a convenience wrapper
// around [LoadFromReader], [ApplyEnv], and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults, applies
// environment overrides, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides selected config fields from the environment. Deployment
// environments inject secrets and endpoints this way rather than writing
// them into the config file.
//
//	STREAMSCRIBE_LISTEN_ADDR  server.listen_addr
//	STREAMSCRIBE_LOG_LEVEL    server.log_level
//	HLS_BASE_URL              hls.base_url
//	SONIOX_API_KEY            stt.api_key
//	STT_ENDPOINT              stt.endpoint
//	POSTGRES_DSN              storage.postgres_dsn
//	REDIS_ADDR                storage.redis.addr
//	REDIS_PASSWORD            storage.redis.password
//	MAX_CONCURRENT_SESSIONS   sessions.max_concurrent
//	STREAM_TIMEOUT_SECONDS    sessions.inactivity_timeout_seconds
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("STREAMSCRIBE_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("STREAMSCRIBE_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}
	if v := os.Getenv("HLS_BASE_URL"); v != "" {
		cfg.HLS.BaseURL = v
	}
	if v := os.Getenv("SONIOX_API_KEY"); v != "" {
		cfg.STT.APIKey = v
	}
	if v := os.Getenv("STT_ENDPOINT"); v != "" {
		cfg.STT.Endpoint = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		if cfg.Storage.Redis == nil {
			cfg.Storage.Redis = &RedisConfig{}
		}
		cfg.Storage.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" && cfg.Storage.Redis != nil {
		cfg.Storage.Redis.Password = v
	}
	if v := os.Getenv("MAX_CONCURRENT_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sessions.MaxConcurrent = n
		}
	}
	if v := os.Getenv("STREAM_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sessions.InactivityTimeoutSeconds = n
		}
	}
}
