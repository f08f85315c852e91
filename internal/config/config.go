package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sir_venger/databank/internal/admission"
	"github.com/sir_venger/databank/internal/quota"
)

const defaultConfigPath = "./config.yaml"

type Config struct {
	ListenAddr      string          `yaml:"listen_addr" json:"listen_addr"`
	DataRoot        string          `yaml:"data_root" json:"data_root"`
	MinFreeGB       float64         `yaml:"min_free_gb" json:"min_free_gb"`
	MinFreeBytes    int64           `yaml:"min_free_bytes" json:"min_free_bytes"`
	MinFreePercent  float64         `yaml:"min_free_percent" json:"min_free_percent"`
	MaxFileBytes    int64           `yaml:"max_file_bytes" json:"max_file_bytes"`
	DeleteStrict404 bool            `yaml:"delete_strict_404" json:"delete_strict_404"`
	CatalogDSN      string          `yaml:"catalog_dsn" json:"catalog_dsn"`
	Retention       RetentionConfig `yaml:"retention" json:"retention"`
	Log             LogConfig       `yaml:"log" json:"log"`
}

type RetentionConfig struct {
	TTL          time.Duration          `yaml:"ttl" json:"ttl"`
	Interval     time.Duration          `yaml:"interval" json:"interval"`
	TempTTL      time.Duration          `yaml:"temp_ttl" json:"temp_ttl"`
	DefaultQuota quota.Limit            `yaml:"default_quota" json:"default_quota"`
	Quotas       map[string]quota.Limit `yaml:"quotas" json:"quotas"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default возвращает конфигурацию, с которой узел запускается без файла.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DataRoot:   "./data",
		CatalogDSN: "memory://",
		Retention: RetentionConfig{
			Interval: 10 * time.Minute,
			TempTTL:  24 * time.Hour,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load подхватывает .env, читает YAML-конфигурацию (CONFIG_PATH или ./config.yaml),
// применяет ENV-переопределения и проверяет результат.
// Отсутствие файла по умолчанию не ошибка, отсутствие явно указанного считается ошибкой.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	c := Default()

	path, explicit := os.LookupEnv("CONFIG_PATH")
	if !explicit || path == "" {
		path = defaultConfigPath
	}
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, err
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

// ENV override
func (c *Config) applyEnv() error {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("DATA_ROOT"); v != "" {
		c.DataRoot = v
	}
	if v := os.Getenv("CATALOG_DSN"); v != "" {
		c.CatalogDSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}

	var errs []error
	errs = append(errs,
		envFloat("MIN_FREE_GB", &c.MinFreeGB),
		envInt("MIN_FREE_BYTES", &c.MinFreeBytes),
		envFloat("MIN_FREE_PERCENT", &c.MinFreePercent),
		envInt("MAX_FILE_BYTES", &c.MaxFileBytes),
		envBool("DELETE_STRICT_404", &c.DeleteStrict404),
		envDuration("RETENTION_TTL", &c.Retention.TTL),
		envDuration("RETENTION_INTERVAL", &c.Retention.Interval),
	)

	return errors.Join(errs...)
}

// Validate отклоняет значения, с которыми узел работать не сможет.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DataRoot) == "" {
		errs = append(errs, errors.New("data_root is empty"))
	}
	if c.MinFreeGB < 0 || c.MinFreeBytes < 0 || c.MaxFileBytes < 0 {
		errs = append(errs, errors.New("sizes must not be negative"))
	}
	if c.MinFreePercent < 0 || c.MinFreePercent >= 100 {
		errs = append(errs, fmt.Errorf("min_free_percent %v out of [0,100)", c.MinFreePercent))
	}
	if c.Retention.TTL < 0 || c.Retention.Interval < 0 || c.Retention.TempTTL < 0 {
		errs = append(errs, errors.New("retention durations must not be negative"))
	}

	return errors.Join(errs...)
}

// Threshold переводит настройки запаса места в порог для admission.
func (c *Config) Threshold() admission.Threshold {
	minBytes := c.MinFreeBytes
	if gb := int64(c.MinFreeGB * (1 << 30)); gb > minBytes {
		minBytes = gb
	}

	return admission.Threshold{
		MinFreeBytes:   minBytes,
		MinFreePercent: c.MinFreePercent,
	}
}

func envInt(key string, dst *int64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
