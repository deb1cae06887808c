// Package config provides configuration management for the inverter fleet
// service. It supports environment variables, config files (YAML), and
// defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all process configuration for the fleet service.
type Config struct {
	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment"`

	// DevicesConfigPath is the path to the device configurations file
	DevicesConfigPath string `mapstructure:"devices_config_path"`

	// HTTP server configuration
	HTTP HTTPConfig `mapstructure:"http"`

	// MQTT configuration
	MQTT MQTTConfig `mapstructure:"mqtt"`

	// Modbus connection tuning
	Modbus ModbusConfig `mapstructure:"modbus"`

	// Orchestrator cycle tuning
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`

	// Commands configuration
	Commands CommandsConfig `mapstructure:"commands"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// HTTPConfig holds the diagnostics HTTP server configuration.
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// MQTTConfig holds MQTT client configuration.
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	CleanSession   bool          `mapstructure:"clean_session"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	TLSEnabled     bool          `mapstructure:"tls_enabled"`
	TLSCertFile    string        `mapstructure:"tls_cert_file"`
	TLSKeyFile     string        `mapstructure:"tls_key_file"`
	TLSCAFile      string        `mapstructure:"tls_ca_file"`
	BufferSize     int           `mapstructure:"buffer_size"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	RetainMessages bool          `mapstructure:"retain_messages"`
}

// ModbusConfig holds the per-device connection tuning.
type ModbusConfig struct {
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	SettleDelay         time.Duration `mapstructure:"settle_delay"`
	QuietInterval       time.Duration `mapstructure:"quiet_interval"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryBackoff        time.Duration `mapstructure:"retry_backoff"`
	WriteRetryBackoff   time.Duration `mapstructure:"write_retry_backoff"`
	ForceReconnectAfter int           `mapstructure:"force_reconnect_after"`
}

// OrchestratorConfig holds the read-cycle tuning.
type OrchestratorConfig struct {
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	DeviceTimeout        time.Duration `mapstructure:"device_timeout"`
	CycleTimeout         time.Duration `mapstructure:"cycle_timeout"`
	NominalPowerRegister string        `mapstructure:"nominal_power_register"`
}

// CommandsConfig holds the MQTT command surface configuration.
type CommandsConfig struct {
	Enabled               bool          `mapstructure:"enabled"`
	TopicPrefix           string        `mapstructure:"topic_prefix"`
	ResponseTopicPrefix   string        `mapstructure:"response_topic_prefix"`
	WriteTimeout          time.Duration `mapstructure:"write_timeout"`
	QoS                   byte          `mapstructure:"qos"`
	EnableAcknowledgement bool          `mapstructure:"enable_acknowledgement"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	Output     string `mapstructure:"output"` // stdout, stderr, or file path
	TimeFormat string `mapstructure:"time_format"`
}

// Load loads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/inverter-fleet")

	// Config file is optional; defaults and env vars carry the rest.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("devices_config_path", "./config/devices.yaml")

	// HTTP
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	// MQTT
	v.SetDefault("mqtt.enabled", true)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "inverter-fleet")
	v.SetDefault("mqtt.topic_prefix", "fleet")
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)
	v.SetDefault("mqtt.buffer_size", 10000)
	v.SetDefault("mqtt.publish_timeout", 5*time.Second)
	v.SetDefault("mqtt.retain_messages", false)

	// Modbus
	v.SetDefault("modbus.connect_timeout", 3*time.Second)
	v.SetDefault("modbus.settle_delay", 100*time.Millisecond)
	v.SetDefault("modbus.quiet_interval", 100*time.Millisecond)
	v.SetDefault("modbus.max_retries", 2)
	v.SetDefault("modbus.retry_backoff", 200*time.Millisecond)
	v.SetDefault("modbus.write_retry_backoff", 500*time.Millisecond)
	v.SetDefault("modbus.force_reconnect_after", 3)

	// Orchestrator
	v.SetDefault("orchestrator.poll_interval", 30*time.Second)
	v.SetDefault("orchestrator.device_timeout", 15*time.Second)
	v.SetDefault("orchestrator.cycle_timeout", 30*time.Second)
	v.SetDefault("orchestrator.nominal_power_register", "nominal_power")

	// Commands
	v.SetDefault("commands.enabled", true)
	v.SetDefault("commands.topic_prefix", "fleet/cmd")
	v.SetDefault("commands.response_topic_prefix", "fleet/cmd/response")
	v.SetDefault("commands.write_timeout", 10*time.Second)
	v.SetDefault("commands.qos", 1)
	v.SetDefault("commands.enable_acknowledgement", true)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)
}

// bindEnvVars binds environment variables to config keys.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("environment", "ENVIRONMENT")
	_ = v.BindEnv("devices_config_path", "DEVICES_CONFIG_PATH")

	// MQTT
	_ = v.BindEnv("mqtt.broker_url", "MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "MQTT_PASSWORD")
	_ = v.BindEnv("mqtt.client_id", "MQTT_CLIENT_ID")

	// HTTP
	_ = v.BindEnv("http.port", "HTTP_PORT")

	// Logging
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("MQTT broker URL is required when MQTT is enabled")
	}
	if c.DevicesConfigPath == "" {
		return fmt.Errorf("devices config path is required")
	}
	if c.Orchestrator.DeviceTimeout > c.Orchestrator.CycleTimeout {
		return fmt.Errorf("device timeout %s exceeds cycle timeout %s",
			c.Orchestrator.DeviceTimeout, c.Orchestrator.CycleTimeout)
	}
	if c.Modbus.MaxRetries < 0 {
		return fmt.Errorf("modbus max retries must be non-negative")
	}
	return nil
}
