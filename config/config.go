package config

import (
	"bytes"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/safeopen"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/benz9527/xsensor/lib/infra"
)

const EnvPrefix = "XSENSOR"

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Encoder string `mapstructure:"encoder"`
}

type StorageConfig struct {
	DSN               string        `mapstructure:"dsn"`
	SlowThreshold     time.Duration `mapstructure:"slow-threshold"`
	PurgeOnUnload     bool          `mapstructure:"purge-on-unload"`
	DefaultWindowSize int           `mapstructure:"default-window-size"`
}

type DistributerConfig struct {
	KeepAlivePeriod time.Duration `mapstructure:"keep-alive-period"`
	RowCap          int           `mapstructure:"row-cap"`
	DeliveryWorkers int           `mapstructure:"delivery-workers"`
}

type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Addr         string `mapstructure:"addr"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	StreamMaxLen int64  `mapstructure:"stream-max-len"`
}

type KafkaConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	ClientID string   `mapstructure:"client-id"`
	Topic    string   `mapstructure:"topic"`
}

type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type SinkConfig struct {
	Codec   string        `mapstructure:"codec"`
	Timeout time.Duration `mapstructure:"timeout"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	NATS    NATSConfig    `mapstructure:"nats"`
}

type MetricsConfig struct {
	// Exporter is one of prometheus, stdout or none.
	Exporter     string        `mapstructure:"exporter"`
	Addr         string        `mapstructure:"addr"`
	Interval     time.Duration `mapstructure:"interval"`
	ProcessStats bool          `mapstructure:"process-stats"`
}

type SyntheticConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Period     time.Duration `mapstructure:"period"`
	Partitions []string      `mapstructure:"partitions"`
}

type SensorConfig struct {
	Name                     string          `mapstructure:"name"`
	PartitionField           string          `mapstructure:"partition-field"`
	AllowDuplicateTimestamps bool            `mapstructure:"allow-duplicate-timestamps"`
	WindowSize               int             `mapstructure:"window-size"`
	Synthetic                SyntheticConfig `mapstructure:"synthetic"`
}

// SubscriptionConfig is a standing subscription created at startup.
// Transport is one of log, redis-stream, redis-pubsub, kafka or nats.
type SubscriptionConfig struct {
	Name      string `mapstructure:"name"`
	Sensor    string `mapstructure:"sensor"`
	Kind      string `mapstructure:"kind"`
	Query     string `mapstructure:"query"`
	Transport string `mapstructure:"transport"`
	// Target is the stream, channel, topic or subject; empty picks a
	// transport default.
	Target string `mapstructure:"target"`
}

type Config struct {
	Log           LogConfig            `mapstructure:"log"`
	Storage       StorageConfig        `mapstructure:"storage"`
	Distributer   DistributerConfig    `mapstructure:"distributer"`
	Sink          SinkConfig           `mapstructure:"sink"`
	Metrics       MetricsConfig        `mapstructure:"metrics"`
	Sensors       []SensorConfig       `mapstructure:"sensors"`
	Subscriptions []SubscriptionConfig `mapstructure:"subscriptions"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoder", "json")

	v.SetDefault("storage.dsn", ":memory:")
	v.SetDefault("storage.slow-threshold", 500*time.Millisecond)
	v.SetDefault("storage.purge-on-unload", false)
	v.SetDefault("storage.default-window-size", 1024)

	v.SetDefault("distributer.keep-alive-period", 15*time.Second)
	v.SetDefault("distributer.row-cap", 1024)
	v.SetDefault("distributer.delivery-workers", 0)

	v.SetDefault("sink.codec", "msgpack")
	v.SetDefault("sink.timeout", 3*time.Second)
	v.SetDefault("sink.redis.addr", "127.0.0.1:6379")
	v.SetDefault("sink.redis.stream-max-len", 10_000)
	v.SetDefault("sink.kafka.client-id", "xsensor")
	v.SetDefault("sink.kafka.topic", "xsensor.elements")
	v.SetDefault("sink.nats.url", "nats://127.0.0.1:4222")

	v.SetDefault("metrics.exporter", "prometheus")
	v.SetDefault("metrics.addr", ":9464")
	v.SetDefault("metrics.interval", 30*time.Second)
	v.SetDefault("metrics.process-stats", true)
}

// Load builds the configuration from defaults, the YAML file at path
// (optional), XSENSOR_ prefixed environment variables and the changed
// flags, later sources winning. Nested keys map to the environment with
// dots and dashes turned into underscores: XSENSOR_LOG_LEVEL.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		if err := readFile(v, path); err != nil {
			return nil, err
		}
	}
	if flags != nil {
		var bindErr error
		flags.VisitAll(func(flag *pflag.Flag) {
			if flag.Changed && bindErr == nil {
				bindErr = v.BindPFlag(flag.Name, flag)
			}
		})
		if bindErr != nil {
			return nil, infra.WrapErrorStackWithMessage(bindErr, "[config] bind flags")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, infra.WrapErrorStackWithMessage(err, "[config] decode")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readFile opens the file beneath its own directory so a symlinked
// name cannot escape it.
func readFile(v *viper.Viper, path string) error {
	data, err := safeopen.ReadFileBeneath(filepath.Dir(path), filepath.Base(path))
	if err != nil {
		return infra.WrapErrorStackWithMessage(err, "[config] read "+path)
	}
	v.SetConfigType("yaml")
	if err = v.ReadConfig(bytes.NewReader(data)); err != nil {
		return infra.WrapErrorStackWithMessage(err, "[config] parse "+path)
	}
	return nil
}

type ConfigErr string

func (e ConfigErr) Error() string {
	return string(e)
}

const (
	ErrUnnamedSensor     = ConfigErr("[config] sensor without name")
	ErrDuplicateSensor   = ConfigErr("[config] duplicate sensor name")
	ErrUnknownExporter   = ConfigErr("[config] unknown metrics exporter")
	ErrKafkaNoBrokers    = ConfigErr("[config] kafka enabled without brokers")
	ErrNegativeRowCap    = ConfigErr("[config] negative distributer row cap")
	ErrSyntheticNoPeriod = ConfigErr("[config] synthetic wrapper without period")
	ErrUnknownSensor     = ConfigErr("[config] subscription to an undeclared sensor")
	ErrUnknownTransport  = ConfigErr("[config] unknown subscription transport")
	ErrUnknownKind       = ConfigErr("[config] unknown subscription kind")
)

func (c *Config) Validate() error {
	switch c.Metrics.Exporter {
	case "prometheus", "stdout", "none", "":
	default:
		return ErrUnknownExporter
	}
	if c.Sink.Kafka.Enabled && len(c.Sink.Kafka.Brokers) == 0 {
		return ErrKafkaNoBrokers
	}
	if c.Distributer.RowCap < 0 {
		return ErrNegativeRowCap
	}
	seen := make(map[string]struct{}, len(c.Sensors))
	for _, s := range c.Sensors {
		if s.Name == "" {
			return ErrUnnamedSensor
		}
		if _, ok := seen[s.Name]; ok {
			return ErrDuplicateSensor
		}
		seen[s.Name] = struct{}{}
		if s.Synthetic.Enabled && s.Synthetic.Period <= 0 {
			return ErrSyntheticNoPeriod
		}
	}
	for _, sub := range c.Subscriptions {
		if _, ok := seen[sub.Sensor]; !ok {
			return ErrUnknownSensor
		}
		switch sub.Transport {
		case "log", "redis-stream", "redis-pubsub", "kafka", "nats":
		default:
			return ErrUnknownTransport
		}
		switch sub.Kind {
		case "", "plain", "model":
		default:
			return ErrUnknownKind
		}
	}
	return nil
}
