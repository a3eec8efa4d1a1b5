package internal

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port       int  `yaml:"port"`
		Production bool `yaml:"production"`
	} `yaml:"server"`

	Broker struct {
		// 心跳掃描間隔（兩次掃描未回應即斷線）
		ProbeInterval time.Duration `yaml:"probe_interval"`

		// 閒置房間掃描間隔
		ReapInterval time.Duration `yaml:"reap_interval"`

		// 空房間多久未活動後回收
		IdleWindow time.Duration `yaml:"idle_window"`

		// gameEnd 之後延遲多久才銷毀房間
		TeardownGrace time.Duration `yaml:"teardown_grace"`

		// 單一連接每秒允許的訊息數與突發量
		MessageRate  float64 `yaml:"message_rate"`
		MessageBurst int     `yaml:"message_burst"`

		// 優雅關閉時等待連接排空的時間上限
		DrainTimeout time.Duration `yaml:"drain_timeout"`
	} `yaml:"broker"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	config := &Config{}
	config.Server.Port = 8080
	config.Server.Production = false
	config.Broker.ProbeInterval = 30 * time.Second
	config.Broker.ReapInterval = 5 * time.Minute
	config.Broker.IdleWindow = 30 * time.Minute
	config.Broker.TeardownGrace = 10 * time.Second
	config.Broker.MessageRate = 20
	config.Broker.MessageBurst = 40
	config.Broker.DrainTimeout = 10 * time.Second
	config.Log.Level = "info"
	config.Log.Format = "text"
	return config
}

// LoadConfig 載入配置檔案，檔案不存在時使用預設值
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// 支援環境變數覆蓋（生產環境常用）
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("parse PORT: %w", err)
		}
		config.Server.Port = p
	}

	return config, nil
}
