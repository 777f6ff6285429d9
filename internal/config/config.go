// Package config loads leadflow.yml, LEADFLOW_* environment variables and
// bound flags into one validated Config.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "LEADFLOW"

// Config models leadflow.yml.
type Config struct {
	DB    string `yaml:"db" mapstructure:"db" validate:"required"`
	Addr  string `yaml:"addr" mapstructure:"addr" validate:"required"`
	Debug bool   `yaml:"debug" mapstructure:"debug"`

	Log struct {
		Level  string `yaml:"level" mapstructure:"level" validate:"oneof=trace debug info warn error"`
		Format string `yaml:"format" mapstructure:"format" validate:"oneof=console json"`
	} `yaml:"log" mapstructure:"log"`

	Quota struct {
		DailyCap  int    `yaml:"daily_cap" mapstructure:"daily_cap" validate:"gte=1"`
		BatchSize int    `yaml:"batch_size" mapstructure:"batch_size" validate:"gte=1,ltefield=DailyCap"`
		Backend   string `yaml:"backend" mapstructure:"backend" validate:"oneof=sqlite redis"`
	} `yaml:"quota" mapstructure:"quota"`

	Redis struct {
		Addr     string `yaml:"addr" mapstructure:"addr"`
		Password string `yaml:"password" mapstructure:"password"`
		DB       int    `yaml:"db" mapstructure:"db" validate:"gte=0"`
		Prefix   string `yaml:"prefix" mapstructure:"prefix"`
	} `yaml:"redis" mapstructure:"redis"`

	Workers struct {
		Enrollments int `yaml:"enrollments" mapstructure:"enrollments" validate:"gte=1"`
		Lookups     int `yaml:"lookups" mapstructure:"lookups" validate:"gte=1"`
	} `yaml:"workers" mapstructure:"workers"`

	Schedule struct {
		Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
		Enrollments     string        `yaml:"enrollments" mapstructure:"enrollments" validate:"omitempty,cron"`
		Jobs            string        `yaml:"jobs" mapstructure:"jobs" validate:"omitempty,cron"`
		Recover         string        `yaml:"recover" mapstructure:"recover" validate:"omitempty,cron"`
		EnrollmentLimit int           `yaml:"enrollment_limit" mapstructure:"enrollment_limit" validate:"gte=1"`
		JobLimit        int           `yaml:"job_limit" mapstructure:"job_limit" validate:"gte=1"`
		StaleAfter      time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
	} `yaml:"schedule" mapstructure:"schedule"`

	Dispatch struct {
		SendTimeout time.Duration `yaml:"send_timeout" mapstructure:"send_timeout"`
		MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts" validate:"gte=1,lte=10"`
		BaseDelay   time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
		MaxDelay    time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	} `yaml:"dispatch" mapstructure:"dispatch"`

	SMTP struct {
		Host     string `yaml:"host" mapstructure:"host"`
		Port     int    `yaml:"port" mapstructure:"port" validate:"gte=0,lte=65535"`
		Username string `yaml:"username" mapstructure:"username"`
		Password string `yaml:"password" mapstructure:"password"`
		From     string `yaml:"from" mapstructure:"from" validate:"omitempty,email"`
		FromName string `yaml:"from_name" mapstructure:"from_name"`
	} `yaml:"smtp" mapstructure:"smtp"`

	Gateway struct {
		URL   string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`
		Token string `yaml:"token" mapstructure:"token"`
		From  string `yaml:"from" mapstructure:"from"`
	} `yaml:"gateway" mapstructure:"gateway"`

	Voice struct {
		CallbackBaseURL string `yaml:"callback_base_url" mapstructure:"callback_base_url" validate:"omitempty,url"`
	} `yaml:"voice" mapstructure:"voice"`

	Enrichment struct {
		URL         string        `yaml:"url" mapstructure:"url" validate:"omitempty,url"`
		APIKey      string        `yaml:"api_key" mapstructure:"api_key"`
		Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
		MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts" validate:"gte=1,lte=10"`
	} `yaml:"enrichment" mapstructure:"enrichment"`
}

// SetDefaults registers every key with its default so env overrides apply
// even when the file does not mention the key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("db", "leadflow.db")
	v.SetDefault("addr", ":8080")
	v.SetDefault("debug", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("quota.daily_cap", 2000)
	v.SetDefault("quota.batch_size", 250)
	v.SetDefault("quota.backend", "sqlite")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "leadflow:quota")
	v.SetDefault("workers.enrollments", 8)
	v.SetDefault("workers.lookups", 8)
	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.enrollments", "@every 1m")
	v.SetDefault("schedule.jobs", "*/5 * * * *")
	v.SetDefault("schedule.recover", "*/10 * * * *")
	v.SetDefault("schedule.enrollment_limit", 100)
	v.SetDefault("schedule.job_limit", 50)
	v.SetDefault("schedule.stale_after", 30*time.Minute)
	v.SetDefault("dispatch.send_timeout", 15*time.Second)
	v.SetDefault("dispatch.max_attempts", 1)
	v.SetDefault("dispatch.base_delay", time.Second)
	v.SetDefault("dispatch.max_delay", 30*time.Second)
	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "")
	v.SetDefault("smtp.from_name", "")
	v.SetDefault("gateway.url", "")
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.from", "")
	v.SetDefault("voice.callback_base_url", "")
	v.SetDefault("enrichment.url", "")
	v.SetDefault("enrichment.api_key", "")
	v.SetDefault("enrichment.timeout", 60*time.Second)
	v.SetDefault("enrichment.max_attempts", 3)
}

// Load reads path (or ./leadflow.yml when path is empty and the file exists),
// applies LEADFLOW_* overrides and validates the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("leadflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default is the configuration with nothing but defaults applied.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", strings.ToLower(strings.TrimPrefix(fe.Namespace(), "Config.")), fe.Tag()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, ", "))
	}
	if c.Quota.Backend == "redis" && c.Redis.Addr == "" {
		return errors.New("invalid config: redis.addr is required for the redis quota backend")
	}
	return nil
}

// YAML renders the config in leadflow.yml form.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// FromYAML parses a leadflow.yml document on top of the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
