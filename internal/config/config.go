// Package config 加载 master/forgectl 的配置: 默认值 < forge.yaml < FORGE_* 环境变量 < 命令行参数
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Etcd      EtcdConfig      `mapstructure:"etcd"`
	Callback  CallbackConfig  `mapstructure:"callback"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Prefix      string        `mapstructure:"prefix"`
}

// CallbackConfig Backend 取值 etcd 或 redis
type CallbackConfig struct {
	Backend string `mapstructure:"backend"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CatalogConfig Path 为空时使用内置操作表
type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

type SchedulerConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	PendingInterval time.Duration `mapstructure:"pending_interval"`
	WatchBackoff    time.Duration `mapstructure:"watch_backoff"`
	// Prepare 取值 none 或 addresses
	Prepare string `mapstructure:"prepare"`
}

const (
	BackendEtcd  = "etcd"
	BackendRedis = "redis"

	PrepareNone      = "none"
	PrepareAddresses = "addresses"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.prefix", "/forge")
	v.SetDefault("callback.backend", BackendEtcd)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("metrics.listen", ":9102")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("catalog.path", "")
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.pending_interval", 5*time.Second)
	v.SetDefault("scheduler.watch_backoff", time.Second)
	v.SetDefault("scheduler.prepare", PrepareNone)
}

// Load 读取配置。file 为空时在当前目录和 /etc/forge 中查找 forge.yaml (可以不存在)。
// flags 中已设置的参数覆盖其它来源，flag 名中的 "-" 对应 key 中的 "_"，例如 --etcd.dial-timeout。
func Load(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("forge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/forge")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if v.IsSet(key) {
				if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
					bindErr = err
				}
			}
		})
		if bindErr != nil {
			return nil, errors.Wrap(bindErr, "binding flags")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Etcd.Endpoints) == 0 {
		return errors.New("etcd.endpoints must not be empty")
	}
	switch c.Callback.Backend {
	case BackendEtcd, BackendRedis:
	default:
		return errors.Errorf("unknown callback.backend %q", c.Callback.Backend)
	}
	switch c.Scheduler.Prepare {
	case PrepareNone, PrepareAddresses:
	default:
		return errors.Errorf("unknown scheduler.prepare %q", c.Scheduler.Prepare)
	}
	if c.Scheduler.MaxRetries < 0 {
		return errors.Errorf("scheduler.max_retries must not be negative, got %d", c.Scheduler.MaxRetries)
	}
	return nil
}
