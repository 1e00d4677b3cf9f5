package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Telegram struct {
		BotToken string `yaml:"bot_token" validate:"required"`
		Debug    bool   `yaml:"debug"`
	} `yaml:"telegram"`

	Database struct {
		Driver string `yaml:"driver" validate:"omitempty,oneof=sqlite postgres"`
		Path   string `yaml:"path"`
		DSN    string `yaml:"dsn" validate:"required_if=Driver postgres"`
	} `yaml:"database"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db" validate:"gte=0"`
		BanKey   string `yaml:"ban_key"`
	} `yaml:"redis"`

	Monitoring struct {
		HealthCheckPort   int  `yaml:"health_check_port" validate:"gte=0,lte=65535"`
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port" validate:"gte=0,lte=65535"`
	} `yaml:"monitoring"`

	Logging struct {
		Level string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	} `yaml:"logging"`

	Scheduling struct {
		TimezoneOffsetHours     int    `yaml:"timezone_offset_hours" validate:"gte=-12,lte=14"`
		AdminContact            string `yaml:"admin_contact"`
		MaxAppointmentsPerDay   int    `yaml:"max_appointments_per_day" validate:"gte=0"`
		MaxAppointmentsPerMonth int    `yaml:"max_appointments_per_month" validate:"gte=0"`
		MaxTimeSlotsPerDay      int    `yaml:"max_time_slots_per_day" validate:"gte=0"`
		MastersPageSize         int    `yaml:"masters_page_size" validate:"gte=0"`
	} `yaml:"scheduling"`

	Flood struct {
		CooldownMS           int `yaml:"cooldown_ms" validate:"gte=0"`
		BanThreshold         int `yaml:"ban_threshold" validate:"gte=0"`
		NonRecognizedLimit   int `yaml:"non_recognized_limit" validate:"gte=0"`
		WindowSeconds        int `yaml:"window_seconds" validate:"gte=0"`
		SweepIntervalSeconds int `yaml:"sweep_interval_seconds" validate:"gte=0"`
	} `yaml:"flood"`

	Reminders struct {
		Enabled              bool    `yaml:"enabled"`
		CheckIntervalMinutes int     `yaml:"check_interval_minutes" validate:"gte=0"`
		HoursBefore          int     `yaml:"hours_before" validate:"gte=0"`
		MaxConcurrent        int     `yaml:"max_concurrent" validate:"gte=0"`
		RatePerSecond        float64 `yaml:"rate_per_second" validate:"gte=0"`
		Burst                int     `yaml:"burst" validate:"gte=0"`
	} `yaml:"reminders"`

	Export struct {
		Dir string `yaml:"dir"`
	} `yaml:"export"`

	Backup struct {
		Enabled       bool   `yaml:"enabled"`
		Dir           string `yaml:"dir"`
		IntervalHours int    `yaml:"interval_hours" validate:"gte=0"`
		RetentionDays int    `yaml:"retention_days" validate:"gte=0"`
	} `yaml:"backup"`

	Admins             []int64 `yaml:"admins"`
	ServicesConfigPath string  `yaml:"services_config_path"`
}

// Load reads the YAML config at path. A .env file next to the working
// directory is loaded first so ${VAR} placeholders can reference it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "configs/config.yaml"
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if cfg.Database.Driver == DriverSQLite {
		if err = os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Parse expands ${VAR} placeholders, unmarshals, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/masterbook.db"
	}
	if c.Redis.BanKey == "" {
		c.Redis.BanKey = "masterbook:banned"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Scheduling.AdminContact == "" {
		c.Scheduling.AdminContact = "администратору"
	}
	if c.Scheduling.MaxAppointmentsPerDay == 0 {
		c.Scheduling.MaxAppointmentsPerDay = 2
	}
	if c.Scheduling.MaxAppointmentsPerMonth == 0 {
		c.Scheduling.MaxAppointmentsPerMonth = 310
	}
	if c.Scheduling.MaxTimeSlotsPerDay == 0 {
		c.Scheduling.MaxTimeSlotsPerDay = 10
	}
	if c.Scheduling.MastersPageSize == 0 {
		c.Scheduling.MastersPageSize = 10
	}
	if c.Flood.BanThreshold == 0 {
		c.Flood.BanThreshold = 5
	}
	if c.Flood.NonRecognizedLimit == 0 {
		c.Flood.NonRecognizedLimit = 2
	}
	if c.Export.Dir == "" {
		c.Export.Dir = "data/exports"
	}
	if c.Backup.Dir == "" {
		c.Backup.Dir = "data/backups"
	}
	if c.ServicesConfigPath == "" {
		c.ServicesConfigPath = "configs/services.yaml"
	}
}

// Location returns the fixed-offset zone all slot times are expressed in.
func (c *Config) Location() *time.Location {
	offset := c.Scheduling.TimezoneOffsetHours
	if offset == 0 {
		return time.UTC
	}
	return time.FixedZone(fmt.Sprintf("UTC%+d", offset), offset*3600)
}

func (c *Config) Cooldown() time.Duration {
	if c.Flood.CooldownMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Flood.CooldownMS) * time.Millisecond
}

func (c *Config) FloodWindow() time.Duration {
	if c.Flood.WindowSeconds <= 0 {
		return 600 * time.Second
	}
	return time.Duration(c.Flood.WindowSeconds) * time.Second
}

func (c *Config) FloodSweepInterval() time.Duration {
	if c.Flood.SweepIntervalSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.Flood.SweepIntervalSeconds) * time.Second
}

func (c *Config) ReminderInterval() time.Duration {
	if c.Reminders.CheckIntervalMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.Reminders.CheckIntervalMinutes) * time.Minute
}

func (c *Config) ReminderLead() time.Duration {
	if c.Reminders.HoursBefore <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Reminders.HoursBefore) * time.Hour
}

func (c *Config) BackupInterval() time.Duration {
	if c.Backup.IntervalHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Backup.IntervalHours) * time.Hour
}
