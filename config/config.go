// Package config loads the daemon's YAML configuration.
package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/w1xm/dome_interface/dome"
	"github.com/w1xm/dome_interface/internal/modbus"
	"github.com/w1xm/dome_interface/notify"
	"github.com/w1xm/dome_interface/power"
)

// Config represents the overall application configuration.
type Config struct {
	Serial  SerialConfig  `yaml:"serial"`
	Driver  DriverConfig  `yaml:"driver"`
	Power   PowerConfig   `yaml:"power"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Mail    MailConfig    `yaml:"mail"`
	Journal JournalConfig `yaml:"journal"`
	Server  ServerConfig  `yaml:"server"`
	Influx  InfluxConfig  `yaml:"influx"`
}

type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// DriverConfig mirrors dome.Config with durations in explicit units. Zero
// values keep the defaults.
type DriverConfig struct {
	TopicPrefix string `yaml:"topic_prefix"`
	AckWord     string `yaml:"ack_word"`

	ReadTimeoutMs int `yaml:"read_timeout_ms"`
	QuietWindowMs int `yaml:"quiet_window_ms"`

	PollIntervalMs            int `yaml:"poll_interval_ms"`
	PollStartupTimeoutSeconds int `yaml:"poll_startup_timeout_seconds"`
	StatusAttempts            int `yaml:"status_attempts"`
	StatusRetryDelayMs        int `yaml:"status_retry_delay_ms"`
	PollErrorCeiling          int `yaml:"poll_error_ceiling"`

	PingAttempts int `yaml:"ping_attempts"`
	PingDelayMs  int `yaml:"ping_delay_ms"`
	AckAttempts  int `yaml:"ack_attempts"`
	AckDelayMs   int `yaml:"ack_delay_ms"`

	ShutterTimeoutSeconds int     `yaml:"shutter_timeout_seconds"`
	SlewTimeoutSeconds    int     `yaml:"slew_timeout_seconds"`
	HomeTimeoutSeconds    int     `yaml:"home_timeout_seconds"`
	ParkTimeoutSeconds    int     `yaml:"park_timeout_seconds"`
	WatchdogTickMs        int     `yaml:"watchdog_tick_ms"`
	AzimuthTolerance      float64 `yaml:"azimuth_tolerance"`

	SystemWatchdogIntervalSeconds int `yaml:"system_watchdog_interval_seconds"`
	StallThresholdSeconds         int `yaml:"stall_threshold_seconds"`
	AlarmIntervalSeconds          int `yaml:"alarm_interval_seconds"`
	HeartbeatTimeoutSeconds       int `yaml:"heartbeat_timeout_seconds"`
	SupervisorStopTimeoutSeconds  int `yaml:"supervisor_stop_timeout_seconds"`
	CommandWaitTimeoutSeconds     int `yaml:"command_wait_timeout_seconds"`

	RebootTimeoutSeconds  int  `yaml:"reboot_timeout_seconds"`
	RebootSettleSeconds   int  `yaml:"reboot_settle_seconds"`
	PowerOffDelaySeconds  int  `yaml:"power_off_delay_seconds"`
	PowerOnDelaySeconds   int  `yaml:"power_on_delay_seconds"`
	PowerTimeoutSeconds   int  `yaml:"power_timeout_seconds"`
	MaxReplays            *int `yaml:"max_replays"`
	NotifyDeadlineSeconds int  `yaml:"notify_deadline_seconds"`

	Dome dome.Config `yaml:"-"`
}

// PowerConfig selects how the controller is power cycled.
type PowerConfig struct {
	// Kind is one of "", "exec", "relay" or "gpio".
	Kind string `yaml:"kind"`

	On  []string `yaml:"on"`
	Off []string `yaml:"off"`

	RelayPort     string `yaml:"relay_port"`
	RelayBaud     int    `yaml:"relay_baud"`
	RelayURL      string `yaml:"relay_url"`
	RelayPassword string `yaml:"relay_password"`
	RelaySlaveId  byte   `yaml:"relay_slave_id"`
	RelayCoil     int    `yaml:"relay_coil"`
	Verify        bool   `yaml:"verify"`

	GPIOPin int `yaml:"gpio_pin"`

	ActiveLow bool `yaml:"active_low"`
}

// MQTTConfig enables publishing when Broker is set.
type MQTTConfig struct {
	notify.MQTTConfig `yaml:",inline"`

	StatusIntervalMs      int           `yaml:"status_interval_ms"`
	StatusRefreshSeconds  int           `yaml:"status_refresh_seconds"`
	StatusRefresh         time.Duration `yaml:"-"`
	ConnectTimeoutSeconds int           `yaml:"connect_timeout_seconds"`
	ConnectTimeout        time.Duration `yaml:"-"`
}

// MailConfig enables alarm email when Domain is set.
type MailConfig struct {
	notify.MailConfig `yaml:",inline"`

	RepeatMinutes int `yaml:"repeat_minutes"`
}

type JournalConfig struct {
	Path          string        `yaml:"path"`
	RetentionDays int           `yaml:"retention_days"`
	Retention     time.Duration `yaml:"-"`
}

type ServerConfig struct {
	Addr        string `yaml:"addr"`
	RotctldAddr string `yaml:"rotctld_addr"`
	StaticDir   string `yaml:"static_dir"`
}

type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	if err := cfg.applyDefaults(); err != nil {
		panic(err)
	}
	return &cfg
}

func (cfg *Config) applyDefaults() error {
	if cfg.Serial.Baud <= 0 {
		cfg.Serial.Baud = 9600
	}
	cfg.Driver.Dome = cfg.Driver.domeConfig()

	if cfg.MQTT.StatusIntervalMs <= 0 {
		cfg.MQTT.StatusIntervalMs = 1000
	}
	cfg.MQTT.StatusInterval = time.Duration(cfg.MQTT.StatusIntervalMs) * time.Millisecond
	if cfg.MQTT.StatusRefreshSeconds <= 0 {
		cfg.MQTT.StatusRefreshSeconds = 60
	}
	cfg.MQTT.StatusRefresh = time.Duration(cfg.MQTT.StatusRefreshSeconds) * time.Second
	if cfg.MQTT.ConnectTimeoutSeconds <= 0 {
		cfg.MQTT.ConnectTimeoutSeconds = 10
	}
	cfg.MQTT.ConnectTimeout = time.Duration(cfg.MQTT.ConnectTimeoutSeconds) * time.Second

	if cfg.Mail.RepeatMinutes <= 0 {
		cfg.Mail.RepeatMinutes = 60
	}
	cfg.Mail.Repeat = time.Duration(cfg.Mail.RepeatMinutes) * time.Minute

	if cfg.Journal.RetentionDays <= 0 {
		cfg.Journal.RetentionDays = 90
	}
	cfg.Journal.Retention = time.Duration(cfg.Journal.RetentionDays) * 24 * time.Hour

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8503"
	}
	if cfg.Server.StaticDir == "" {
		cfg.Server.StaticDir = "static"
	}

	if cfg.Influx.URL == "" {
		cfg.Influx.URL = "http://localhost:9999"
	}
	if cfg.Influx.Org == "" {
		cfg.Influx.Org = "w1xm"
	}
	if cfg.Influx.Bucket == "" {
		cfg.Influx.Bucket = "dome.raw"
	}

	switch cfg.Power.Kind {
	case "", "exec", "relay", "gpio":
	default:
		return fmt.Errorf("power.kind %q: want exec, relay or gpio", cfg.Power.Kind)
	}
	if cfg.Power.Kind == "" && (len(cfg.Power.On) > 0 || cfg.Power.RelayPort != "" || cfg.Power.RelayURL != "") {
		log.Printf("power.kind is not set; power settings ignored and hard resets disabled")
	}
	return nil
}

func dur(v int, unit time.Duration, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * unit
}

func (d DriverConfig) domeConfig() dome.Config {
	c := dome.DefaultConfig()
	if d.TopicPrefix != "" {
		c.TopicPrefix = d.TopicPrefix
	}
	if d.AckWord != "" {
		c.AckWord = d.AckWord
	}
	c.Link.ReadTimeout = dur(d.ReadTimeoutMs, time.Millisecond, c.Link.ReadTimeout)
	c.Link.QuietWindow = dur(d.QuietWindowMs, time.Millisecond, c.Link.QuietWindow)

	c.PollInterval = dur(d.PollIntervalMs, time.Millisecond, c.PollInterval)
	c.PollStartupTimeout = dur(d.PollStartupTimeoutSeconds, time.Second, c.PollStartupTimeout)
	c.StatusAttempts = count(d.StatusAttempts, c.StatusAttempts)
	c.StatusRetryDelay = dur(d.StatusRetryDelayMs, time.Millisecond, c.StatusRetryDelay)
	c.PollErrorCeiling = count(d.PollErrorCeiling, c.PollErrorCeiling)

	c.PingAttempts = count(d.PingAttempts, c.PingAttempts)
	c.PingDelay = dur(d.PingDelayMs, time.Millisecond, c.PingDelay)
	c.AckAttempts = count(d.AckAttempts, c.AckAttempts)
	c.AckDelay = dur(d.AckDelayMs, time.Millisecond, c.AckDelay)

	c.ShutterTimeout = dur(d.ShutterTimeoutSeconds, time.Second, c.ShutterTimeout)
	c.SlewTimeout = dur(d.SlewTimeoutSeconds, time.Second, c.SlewTimeout)
	c.HomeTimeout = dur(d.HomeTimeoutSeconds, time.Second, c.HomeTimeout)
	c.ParkTimeout = dur(d.ParkTimeoutSeconds, time.Second, c.ParkTimeout)
	c.WatchdogTick = dur(d.WatchdogTickMs, time.Millisecond, c.WatchdogTick)
	if d.AzimuthTolerance > 0 {
		c.AzimuthTolerance = d.AzimuthTolerance
	}

	c.SystemWatchdogInterval = dur(d.SystemWatchdogIntervalSeconds, time.Second, c.SystemWatchdogInterval)
	c.StallThreshold = dur(d.StallThresholdSeconds, time.Second, c.StallThreshold)
	c.AlarmInterval = dur(d.AlarmIntervalSeconds, time.Second, c.AlarmInterval)
	c.HeartbeatTimeout = dur(d.HeartbeatTimeoutSeconds, time.Second, c.HeartbeatTimeout)
	c.SupervisorStopTimeout = dur(d.SupervisorStopTimeoutSeconds, time.Second, c.SupervisorStopTimeout)
	c.CommandWaitTimeout = dur(d.CommandWaitTimeoutSeconds, time.Second, c.CommandWaitTimeout)

	c.RebootTimeout = dur(d.RebootTimeoutSeconds, time.Second, c.RebootTimeout)
	c.RebootSettle = dur(d.RebootSettleSeconds, time.Second, c.RebootSettle)
	c.PowerOffDelay = dur(d.PowerOffDelaySeconds, time.Second, c.PowerOffDelay)
	c.PowerOnDelay = dur(d.PowerOnDelaySeconds, time.Second, c.PowerOnDelay)
	c.PowerTimeout = dur(d.PowerTimeoutSeconds, time.Second, c.PowerTimeout)
	if d.MaxReplays != nil && *d.MaxReplays >= 0 {
		c.MaxReplays = *d.MaxReplays
	}
	c.NotifyDeadline = dur(d.NotifyDeadlineSeconds, time.Second, c.NotifyDeadline)
	return c
}

func count(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Cycler builds the configured power cycler, or nil when hard resets are
// disabled.
func (p PowerConfig) Cycler() (dome.PowerCycler, error) {
	switch p.Kind {
	case "":
		return nil, nil
	case "exec":
		if len(p.On) == 0 || len(p.Off) == 0 {
			return nil, fmt.Errorf("power: exec needs on and off commands")
		}
		return power.Exec{On: p.On, Off: p.Off}, nil
	case "relay":
		if p.RelayPort == "" && p.RelayURL == "" {
			return nil, fmt.Errorf("power: relay needs relay_port or relay_url")
		}
		slave := p.RelaySlaveId
		if slave == 0 {
			slave = 1
		}
		return &power.Relay{
			Client: &modbus.Client{
				Port:     p.RelayPort,
				BaudRate: p.RelayBaud,
				SlaveId:  slave,
				URL:      p.RelayURL,
				Password: p.RelayPassword,
			},
			Coil:      p.RelayCoil,
			ActiveLow: p.ActiveLow,
			Verify:    p.Verify,
		}, nil
	case "gpio":
		return &power.GPIO{Pin: p.GPIOPin, ActiveLow: p.ActiveLow}, nil
	}
	return nil, fmt.Errorf("power: unknown kind %q", p.Kind)
}
