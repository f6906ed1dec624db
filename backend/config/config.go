package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
		// 中继监听端口（cmd/relay）
		RelayPort int `mapstructure:"relayPort"`
	} `mapstructure:"running"`
	Network struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"network"`
	Broadcast struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
		Channel  string   `mapstructure:"channel"`
	} `mapstructure:"broadcast"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Sync struct {
		Grace           time.Duration `mapstructure:"grace"`
		FlushDelay      time.Duration `mapstructure:"flushDelay"`
		SendTimeout     time.Duration `mapstructure:"sendTimeout"`
		TrustLocalState bool          `mapstructure:"trustLocalState"`
		// 本地状态存储：memory / redis / mysql
		Store string `mapstructure:"store"`
	} `mapstructure:"sync"`
	User struct {
		ID   uint64 `mapstructure:"id"`
		Name string `mapstructure:"name"`
		// 在线状态续期间隔
		Heartbeat time.Duration `mapstructure:"heartbeat"`
	} `mapstructure:"user"`
	Documents []struct {
		ID   string `mapstructure:"id"`
		Kind string `mapstructure:"kind"`
	} `mapstructure:"documents"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("running.port", 8090)
	v.SetDefault("running.relayPort", 8091)
	v.SetDefault("network.url", "ws://127.0.0.1:8091/collab/ws")
	v.SetDefault("broadcast.channel", "collab:broadcast")
	v.SetDefault("kafka.topic", "doc-updates")
	v.SetDefault("sync.grace", "5s")
	v.SetDefault("sync.flushDelay", "100ms")
	v.SetDefault("sync.sendTimeout", "2s")
	v.SetDefault("sync.store", "memory")
	v.SetDefault("user.heartbeat", "200s")
}

// Load 读取 name.yaml；环境变量 COLLAB_SYNC_* 覆盖同名配置（例如 COLLAB_SYNC_NETWORK_URL）
func Load(name string) (*Config, error) {
	cfg := &Config{}
	v := viper.New()
	defaults(v)
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("COLLAB_SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
