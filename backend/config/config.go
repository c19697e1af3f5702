package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type CollabConfig struct {
	Running struct {
		Port            int           `mapstructure:"Port"`
		ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN          string `mapstructure:"dsn"`
		MaxOpenConns int    `mapstructure:"maxOpenConns"`
		Migrate      bool   `mapstructure:"migrate"`
	} `mapstructure:"Mysql"`
	Redis struct {
		// 一个地址为单机，多个为集群
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
		Enabled  bool     `mapstructure:"enabled"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers  []string `mapstructure:"brokers"`
		Topic    string   `mapstructure:"topic"`
		Enabled  bool     `mapstructure:"enabled"`
		Workers  int      `mapstructure:"workers"`
		MaxRetry int      `mapstructure:"maxRetry"`
	} `mapstructure:"Kafka"`
	Auth struct {
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"Auth"`
	Collab struct {
		DeliveryTimeout    time.Duration `mapstructure:"deliveryTimeout"`
		GateTimeout        time.Duration `mapstructure:"gateTimeout"`
		SaveTimeout        time.Duration `mapstructure:"saveTimeout"`
		StaleWindow        time.Duration `mapstructure:"staleWindow"`
		SweepInterval      time.Duration `mapstructure:"sweepInterval"`
		RoleCacheTTL       time.Duration `mapstructure:"roleCacheTTL"`
		MaxConcurrentSaves int           `mapstructure:"maxConcurrentSaves"`
		SendBuffer         int           `mapstructure:"sendBuffer"`
		PongWait           time.Duration `mapstructure:"pongWait"`
		MaxMessageSize     int64         `mapstructure:"maxMessageSize"`
		AllowedOrigins     []string      `mapstructure:"allowedOrigins"`
	} `mapstructure:"Collab"`
	Log struct {
		Level  string `mapstructure:"level"`
		Pretty bool   `mapstructure:"pretty"`
	} `mapstructure:"Log"`
	Cors struct {
		Enabled      bool     `mapstructure:"enabled"`
		AllowOrigins []string `mapstructure:"allowOrigins"`
	} `mapstructure:"Cors"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Running.Port", 3002)
	v.SetDefault("Running.shutdownTimeout", 10*time.Second)
	v.SetDefault("Mysql.maxOpenConns", 20)
	v.SetDefault("Mysql.migrate", true)
	v.SetDefault("Redis.enabled", true)
	v.SetDefault("Kafka.enabled", true)
	v.SetDefault("Kafka.topic", "collab-events")
	v.SetDefault("Kafka.workers", 4)
	v.SetDefault("Kafka.maxRetry", 3)
	v.SetDefault("Collab.deliveryTimeout", 100*time.Millisecond)
	v.SetDefault("Collab.gateTimeout", 2*time.Second)
	v.SetDefault("Collab.saveTimeout", 5*time.Second)
	v.SetDefault("Collab.staleWindow", 5*time.Minute)
	v.SetDefault("Collab.sweepInterval", 30*time.Second)
	v.SetDefault("Collab.roleCacheTTL", 30*time.Second)
	v.SetDefault("Collab.maxConcurrentSaves", 32)
	v.SetDefault("Collab.sendBuffer", 64)
	v.SetDefault("Collab.pongWait", 60*time.Second)
	v.SetDefault("Collab.maxMessageSize", 1<<20)
	v.SetDefault("Log.level", "info")
}

// Load 读取 collabConfig.yaml，环境变量 COLLAB_ 前缀可覆盖任意项
// （例如 COLLAB_MYSQL_DSN、COLLAB_AUTH_JWTSECRET）。
// 没有配置文件时只用默认值和环境变量。
func Load(paths ...string) (*CollabConfig, error) {
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// 兼容从项目根目录或 backend 目录启动
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	// AutomaticEnv 只对已知 key 生效，显式绑定没有默认值的项
	for _, key := range []string{"Mysql.dsn", "Auth.jwtSecret", "Redis.password"} {
		_ = v.BindEnv(key)
	}

	cfg := &CollabConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查启动所必需的配置
func (c *CollabConfig) Validate() error {
	if c.Mysql.DSN == "" {
		return errors.New("config: Mysql.dsn is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("config: Auth.jwtSecret is required")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("config: Kafka.brokers is required when Kafka is enabled")
	}
	if c.Redis.Enabled && len(c.Redis.Addrs) == 0 {
		return errors.New("config: Redis.addrs is required when Redis is enabled")
	}
	return nil
}
