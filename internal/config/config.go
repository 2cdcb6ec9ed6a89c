package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps command line flags to the config keys they override.
var flagKeys = map[string]string{
	"log-level": "log_level",
	"autostart": "bridge.autostart",
	"http-port": "server.http_port",
	"grpc-port": "server.grpc_port",
}

type Config struct {
	Bridge       BridgeConfig   `mapstructure:"bridge"`
	Image        ImageConfig    `mapstructure:"image"`
	BindingsFile string         `mapstructure:"bindings_file"`
	Server       ServerConfig   `mapstructure:"server"`
	Database     DatabaseConfig `mapstructure:"database"`
	Auth         AuthConfig     `mapstructure:"auth"`
	MQTT         MQTTConfig     `mapstructure:"mqtt"`
	Redis        RedisConfig    `mapstructure:"redis"`
	LogLevel     string         `mapstructure:"log_level"`
}

type BridgeConfig struct {
	CycleTimeMS int           `mapstructure:"cycle_time_ms"`
	ResetOnExit bool          `mapstructure:"reset_on_exit"`
	Debug       bool          `mapstructure:"debug"`
	AutoPrefix  bool          `mapstructure:"auto_prefix"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	// Autostart starts the sync loop once the bindings are loaded.
	Autostart   bool          `mapstructure:"autostart"`
}

func (b BridgeConfig) CyclePeriod() time.Duration {
	return time.Duration(b.CycleTimeMS) * time.Millisecond
}

// ImageConfig selects the process image backend.
type ImageConfig struct {
	Driver     string       `mapstructure:"driver"` // "memory" oder "modbus"
	LayoutFile string       `mapstructure:"layout_file"`
	Modbus     ModbusConfig `mapstructure:"modbus"`
}

type ModbusConfig struct {
	Address      string        `mapstructure:"address"`
	UnitID       uint8         `mapstructure:"unit_id"`
	RegisterBase uint16        `mapstructure:"register_base"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// Auth Configuration
type AuthConfig struct {
	JWTSecretEnv string        `mapstructure:"jwt_secret_env"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         byte   `mapstructure:"qos"`
	Retained    bool   `mapstructure:"retained"`
}

type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
	Channel   string `mapstructure:"channel"`
}

func Load(path string) (*Config, error) {
	return LoadWithFlags(path, nil)
}

// LoadWithFlags loads the config file and lets changed flags in flags take
// precedence over file and environment values.
func LoadWithFlags(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	// Environment Variables mit Prefix REVPI_, z.B. REVPI_BRIDGE_CYCLE_TIME_MS
	v.SetEnvPrefix("REVPI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("bridge.cycle_time_ms", 200)
	v.SetDefault("bridge.reset_on_exit", true)
	v.SetDefault("bridge.debug", false)
	v.SetDefault("bridge.auto_prefix", false)
	v.SetDefault("bridge.stop_timeout", "0s")
	v.SetDefault("bridge.autostart", true)

	v.SetDefault("image.driver", "memory")
	v.SetDefault("image.layout_file", "configs/layout.yaml")
	v.SetDefault("image.modbus.address", "127.0.0.1:502")
	v.SetDefault("image.modbus.unit_id", 1)
	v.SetDefault("image.modbus.register_base", 0)
	v.SetDefault("image.modbus.timeout", "1s")

	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "revpiepics")
	v.SetDefault("database.max_connections", 4)

	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.token_ttl", "60m")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "revpiepics")
	v.SetDefault("mqtt.topic_prefix", "revpi/pv")
	v.SetDefault("mqtt.qos", 0)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "revpi:pv:")
	v.SetDefault("redis.channel", "revpi:pv:events")
}

func (c *Config) Validate() error {
	switch c.Image.Driver {
	case "memory", "modbus":
	default:
		return fmt.Errorf("unknown image driver %q", c.Image.Driver)
	}
	if c.Image.LayoutFile == "" {
		return fmt.Errorf("image.layout_file is required")
	}
	if c.Bridge.CycleTimeMS < 20 {
		return fmt.Errorf("bridge.cycle_time_ms must be at least 20, got %d", c.Bridge.CycleTimeMS)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// GetJWTSecret reads the secret from the configured environment variable.
// An empty secret disables token checks on the API.
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}
	return os.Getenv(envVar)
}
