// internal/pkg/config/config.go
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config 汇总了订单提交流水线的全部可调参数。
// 默认值与原系统保持一致，可以被 YAML 文件和环境变量覆盖
// （优先级：环境变量 > 文件 > 默认值）。
type Config struct {
	Infra InfraConfig `yaml:"infra"`
	Core  CoreConfig  `yaml:"core"`
}

type InfraConfig struct {
	MySQLDSN       string `yaml:"mysql_dsn"`
	KafkaBrokers   string `yaml:"kafka_brokers"`
	RedisAddrs     string `yaml:"redis_addrs"`
	ZookeeperAddrs string `yaml:"zookeeper_addrs"`
	JaegerEndpoint string `yaml:"jaeger_endpoint"`
	NacosAddrs     string `yaml:"nacos_addrs"`
	NacosGroup     string `yaml:"nacos_group"`
	LogLevel       string `yaml:"log_level"`

	PaymentGatewayURL string `yaml:"payment_gateway_url"`
}

type CoreConfig struct {
	// 熔断器
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	PaymentTimeout   time.Duration `yaml:"payment_timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	// 失败分类规则，CEL 表达式。留空用内置缺省规则。
	TransientRule string `yaml:"transient_rule"`
	PermanentRule string `yaml:"permanent_rule"`

	// 准入控制
	MaxRPS        int           `yaml:"max_rps"`
	WindowSeconds time.Duration `yaml:"window_seconds"`

	// 库存与预约
	LockWaitTimeout time.Duration `yaml:"lock_wait_timeout"`
	ReservationTTL  time.Duration `yaml:"reservation_ttl"`
	MinTTL          time.Duration `yaml:"min_ttl"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// Default 返回一份与原系统默认行为一致的配置。
func Default() Config {
	return Config{
		Infra: InfraConfig{
			MySQLDSN:       GetEnv("MYSQL_DSN", ""),
			KafkaBrokers:   GetEnv("KAFKA_BROKERS", "localhost:9092"),
			RedisAddrs:     GetEnv("REDIS_ADDRS", "localhost:6379"),
			ZookeeperAddrs: GetEnv("ZOOKEEPER_ADDRS", "localhost:2181"),
			JaegerEndpoint: GetEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			NacosAddrs:     GetEnv("NACOS_SERVER_ADDRS", "localhost:8848"),
			NacosGroup:     GetEnv("NACOS_GROUP", "DEFAULT_GROUP"),
			LogLevel:       GetEnv("LOG_LEVEL", "info"),

			PaymentGatewayURL: GetEnv("PAYMENT_GATEWAY_URL", "http://localhost:8090"),
		},
		Core: CoreConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
			PaymentTimeout:   10 * time.Second,
			MaxAttempts:      3,
			MaxRPS:           100,
			WindowSeconds:    time.Second,
			LockWaitTimeout:  5 * time.Second,
			ReservationTTL:   15 * time.Minute,
			MinTTL:           time.Second,
			SweepInterval:    0, // 0 表示按 MinTTL/10 自动推导
		},
	}
}

// Load 读取 YAML 配置文件并叠加在默认值之上。
// path 为空时直接返回默认配置。
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config file %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config file %s", path)
	}
	return cfg, nil
}

// EffectiveSweepInterval 推导后台清扫周期：
// 未显式配置时取最小 TTL 的 1/10，并保证不低于 100ms。
func (c CoreConfig) EffectiveSweepInterval() time.Duration {
	if c.SweepInterval > 0 {
		return c.SweepInterval
	}
	interval := c.MinTTL / 10
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return interval
}

// GetEnv 从环境变量中读取配置，不存在时返回回退值。
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
