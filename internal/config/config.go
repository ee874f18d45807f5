package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"mcast-chat/internal/broadcast"
	"mcast-chat/internal/logger"
	"mcast-chat/internal/netutil"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "MCHAT"

// Config is shared identically by server and client processes.
type Config struct {
	DiscoveryPort     uint16        `mapstructure:"discovery_port"`
	NotificationPort  uint16        `mapstructure:"notification_port"`
	MessagePort       uint16        `mapstructure:"message_port"`
	BroadcastIP       string        `mapstructure:"broadcast_ip"`
	Interface         string        `mapstructure:"interface"`
	DiscoveryTimeout  time.Duration `mapstructure:"discovery_timeout"`
	RefreshInterval   time.Duration `mapstructure:"refresh_interval"`
	AddressQuarantine time.Duration `mapstructure:"address_quarantine"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MetricsAddr       string        `mapstructure:"metrics_addr"`
	LogLevel          string        `mapstructure:"log_level"`
	LogFile           string        `mapstructure:"log_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("discovery_port", 37020)
	v.SetDefault("notification_port", 37021)
	v.SetDefault("message_port", 37022)
	v.SetDefault("broadcast_ip", broadcast.IPv4Broadcast)
	v.SetDefault("interface", "")
	v.SetDefault("discovery_timeout", "5s")
	v.SetDefault("refresh_interval", "0s")
	v.SetDefault("address_quarantine", "30s")
	v.SetDefault("poll_interval", "250ms")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_level", "INFO")
	v.SetDefault("log_file", "")
}

// Flags returns the command-line flags understood by Load. Flags that are
// not set on the command line don't override file or env values.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")
	fs.Uint16("discovery-port", 0, "discovery port")
	fs.Uint16("notification-port", 0, "notification port")
	fs.Uint16("message-port", 0, "room message port")
	fs.String("broadcast-ip", "", "broadcast address for discovery and notifications")
	fs.String("interface", "", "network interface for multicast")
	fs.Duration("discovery-timeout", 0, "how long to wait for a discovery reply")
	fs.Duration("refresh-interval", 0, "periodic discovery refresh (0 disables)")
	fs.String("metrics-addr", "", "listen address for the Prometheus endpoint")
	fs.String("log-level", "", "DEBUG, INFO, WARN or ERROR")
	fs.String("log-file", "", "write logs to this file instead of stderr")
	return fs
}

// Load resolves configuration from defaults, an optional YAML file, MCHAT_*
// environment variables and fs, in increasing order of precedence. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" {
				return
			}
			key := strings.ReplaceAll(f.Name, "-", "_")
			if err := v.BindPFlag(key, f); err != nil {
				panic(err)
			}
		})

		if path, _ := fs.GetString("config"); path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	for name, port := range map[string]uint16{
		"discovery_port":    c.DiscoveryPort,
		"notification_port": c.NotificationPort,
		"message_port":      c.MessagePort,
	} {
		if err := netutil.ValidatePort(port); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if _, err := netutil.ParseIPv4(c.BroadcastIP); err != nil {
		errs = append(errs, fmt.Errorf("broadcast_ip: %w", err))
	}
	if c.DiscoveryTimeout <= 0 {
		errs = append(errs, fmt.Errorf("discovery_timeout must be positive"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive"))
	}
	if c.RefreshInterval < 0 || c.AddressQuarantine < 0 {
		errs = append(errs, fmt.Errorf("refresh_interval and address_quarantine cannot be negative"))
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (c *Config) BroadcastAddr() netutil.IPv4 {
	ip, _ := netutil.ParseIPv4(c.BroadcastIP)
	return ip
}

// NewLogger builds the process logger described by LogLevel and LogFile.
func (c *Config) NewLogger() (*logger.Logger, error) {
	level, err := logger.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	if c.LogFile == "" {
		return logger.New(level), nil
	}
	return logger.NewFileLogger(c.LogFile, level)
}
