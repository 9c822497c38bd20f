package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

type Config struct {
	Broker      BrokerConfig      `yaml:"broker"`
	Topics      TopicsConfig      `yaml:"topics"`
	Loop        LoopConfig        `yaml:"loop"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Network     NetworkConfig     `yaml:"network"`
	Logging     LoggingConfig     `yaml:"logging"`

	// Sensors lists hardware sensors as index,device,topic triples.
	Sensors string `yaml:"sensors"`
	// StatusLED is the /sys/class/leds name switched on once connected.
	StatusLED string `yaml:"status_led"`
	// Reload restarts the process when the binary or credential file changes.
	Reload bool `yaml:"reload"`
}

type BrokerConfig struct {
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	ClientID  string        `yaml:"client_id"`
	Protocol  int           `yaml:"protocol"`
	QoS       int           `yaml:"qos"`
	Retain    bool          `yaml:"retain"`
	TLS       bool          `yaml:"tls"`
	KeepAlive time.Duration `yaml:"keep_alive"`
}

type TopicsConfig struct {
	Subscribe []string `yaml:"subscribe"`
	Publish   []string `yaml:"publish"`
	Status    string   `yaml:"status"`
}

type LoopConfig struct {
	Interval       time.Duration `yaml:"interval"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Resolution     time.Duration `yaml:"resolution"`
}

type ReconnectConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

type CredentialsConfig struct {
	File string `yaml:"file"`
}

type NetworkConfig struct {
	Interface string        `yaml:"interface"`
	Attempts  int           `yaml:"attempts"`
	Wait      time.Duration `yaml:"wait"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the settings of the demo device.
func Default() Config {
	return Config{
		Broker: BrokerConfig{
			Host:      "localhost",
			Port:      1883,
			Protocol:  3,
			QoS:       0,
			KeepAlive: 60 * time.Second,
		},
		Topics: TopicsConfig{
			Subscribe: []string{"demo/sbc/instructions"},
			Publish:   []string{"demo/sensor/data"},
		},
		Loop: LoopConfig{
			Interval:       3 * time.Second,
			PollInterval:   time.Second,
			ConnectTimeout: 30 * time.Second,
			Resolution:     100 * time.Millisecond,
		},
		Reconnect: ReconnectConfig{
			MaxRetries:   5,
			InitialDelay: time.Second,
			MaxDelay:     time.Minute,
		},
		Credentials: CredentialsConfig{File: "cred"},
		Network: NetworkConfig{
			Interface: "wlan0",
			Attempts:  2,
			Wait:      3 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty), the given .env files and finally the environment.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := LoadEnv(envFiles...); err != nil {
		return nil, err
	}
	applyEnv(&cfg)
	if cfg.Broker.ClientID == "" {
		cfg.Broker.ClientID = DefaultClientID()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultClientID returns a client identifier unique to this run.
func DefaultClientID() string {
	return "sbc-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// LoadEnv loads environment variables from .env files in the given order.
// Variables already present in the environment are not overridden.
func LoadEnv(files ...string) error {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("error loading %s file: %w", file, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("MQTT_HOST"); ok {
		cfg.Broker.Host = v
	}
	cfg.Broker.Port = GetEnvAsInt("MQTT_PORT", cfg.Broker.Port)
	if v, ok := os.LookupEnv("MQTT_CLIENT_ID"); ok {
		cfg.Broker.ClientID = v
	}
	cfg.Broker.Protocol = GetEnvAsInt("MQTT_PROTOCOL", cfg.Broker.Protocol)
	cfg.Broker.QoS = GetEnvAsInt("MQTT_QOS", cfg.Broker.QoS)
	cfg.Broker.TLS = GetEnvAsBool("MQTT_TLS", cfg.Broker.TLS)
	if v, ok := os.LookupEnv("MQTT_SUB_TOPIC"); ok {
		cfg.Topics.Subscribe = splitList(v)
	}
	if v, ok := os.LookupEnv("MQTT_PUB_TOPIC"); ok {
		cfg.Topics.Publish = splitList(v)
	}
	if v, ok := os.LookupEnv("MQTT_STATUS_TOPIC"); ok {
		cfg.Topics.Status = v
	}
	cfg.Loop.Interval = GetEnvAsDuration("MSG_INTERVAL", cfg.Loop.Interval)
	cfg.Loop.ConnectTimeout = GetEnvAsDuration("CONNECT_TIMEOUT", cfg.Loop.ConnectTimeout)
	cfg.Reconnect.MaxRetries = GetEnvAsInt("RECONNECT_RETRIES", cfg.Reconnect.MaxRetries)
	if v, ok := os.LookupEnv("CRED_FILE"); ok {
		cfg.Credentials.File = v
	}
	if v, ok := os.LookupEnv("NET_INTERFACE"); ok {
		cfg.Network.Interface = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := os.LookupEnv("LOG_FORMAT"); ok {
		cfg.Logging.Format = v
	}
	if v, ok := os.LookupEnv("SENSORS"); ok {
		cfg.Sensors = v
	}
	if v, ok := os.LookupEnv("STATUS_LED"); ok {
		cfg.StatusLED = v
	}
	cfg.Reload = GetEnvAsBool("RELOAD", cfg.Reload)
}

// GetEnvAsInt gets the value of an environment variable as an int
func GetEnvAsInt(name string, defaultValue int) int {
	if value, exists := os.LookupEnv(name); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration accepts Go durations ("3s") or plain seconds ("3", "2.5").
func GetEnvAsDuration(name string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(name)
	if !exists {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}

func GetEnvAsBool(name string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(name); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) Validate() error {
	switch {
	case c.Broker.Host == "":
		return fmt.Errorf("%w: broker.host is required", ErrInvalidConfig)
	case c.Broker.Port < 1 || c.Broker.Port > 65535:
		return fmt.Errorf("%w: broker.port %d out of range", ErrInvalidConfig, c.Broker.Port)
	case c.Broker.Protocol != 3 && c.Broker.Protocol != 5:
		return fmt.Errorf("%w: broker.protocol must be 3 or 5, got %d", ErrInvalidConfig, c.Broker.Protocol)
	case c.Broker.QoS < 0 || c.Broker.QoS > 2:
		return fmt.Errorf("%w: broker.qos must be 0, 1 or 2, got %d", ErrInvalidConfig, c.Broker.QoS)
	case len(c.Topics.Publish) == 0:
		return fmt.Errorf("%w: topics.publish needs at least one topic", ErrInvalidConfig)
	case c.Loop.Interval <= 0:
		return fmt.Errorf("%w: loop.interval must be positive", ErrInvalidConfig)
	case c.Loop.PollInterval <= 0:
		return fmt.Errorf("%w: loop.poll_interval must be positive", ErrInvalidConfig)
	case c.Loop.ConnectTimeout <= 0:
		return fmt.Errorf("%w: loop.connect_timeout must be positive", ErrInvalidConfig)
	case c.Reconnect.MaxRetries < 0:
		return fmt.Errorf("%w: reconnect.max_retries cannot be negative", ErrInvalidConfig)
	case c.Credentials.File == "":
		return fmt.Errorf("%w: credentials.file is required", ErrInvalidConfig)
	}
	for _, t := range append(append([]string{}, c.Topics.Subscribe...), c.Topics.Publish...) {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("%w: empty topic", ErrInvalidConfig)
		}
	}
	return nil
}
