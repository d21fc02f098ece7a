package config

import (
	"encoding/json"
	"errors"
	"os"
)

type Config struct {
	Broker struct {
		Port              int    `json:"port"`
		MaxConnections    int    `json:"max_connections"`
		DefaultKeepAlive  string `json:"default_keep_alive"`
		RetryInterval     string `json:"retry_interval"`
		RetryBackoffLimit string `json:"retry_backoff_limit"`
		MaxRetryCount     int    `json:"max_retry_count"`
		OutboundQueueSize int    `json:"outbound_queue_size"`
		MaxPacketSize     int    `json:"max_packet_size"`
	} `json:"broker"`
	Database struct {
		Enable             bool   `json:"enable"`
		Host               string `json:"host"`
		Port               uint64 `json:"port"`
		Username           string `json:"username"`
		Password           string `json:"password"`
		Database           string `json:"database"`
		UseTLS             bool   `json:"use_tls"`
		ConnectTimeout     string `json:"connect_timeout"`
		SocketTimeout      string `json:"socket_timeout"`
		ConnectIdleTimeout string `json:"connect_idle_timeout"`
		OperationTimeout   string `json:"operation_timeout"`
		Heartbeat          string `json:"heartbeat"`
		MinPoolSize        uint64 `json:"min_pool_size"`
		MaxPoolSize        uint64 `json:"max_pool_size"`
	} `json:"database"`
	Auth struct {
		Enable bool              `json:"enable"`
		Users  map[string]string `json:"users"`
	} `json:"auth"`
	DebugMode bool   `json:"debug_mode"`
	AppName   string `json:"app_name"`
}

var config Config
var initialized = false

// applyDefaults 填充broker段缺省值，零值端口视为未配置
func applyDefaults(c *Config) {
	if c.Broker.Port == 0 {
		c.Broker.Port = 1883
	}
	if c.Broker.MaxConnections == 0 {
		c.Broker.MaxConnections = 10000
	}
	if c.Broker.RetryInterval == "" {
		c.Broker.RetryInterval = "5s"
	}
	if c.Broker.RetryBackoffLimit == "" {
		c.Broker.RetryBackoffLimit = "60s"
	}
	if c.Broker.MaxRetryCount == 0 {
		c.Broker.MaxRetryCount = 5
	}
	if c.Broker.OutboundQueueSize == 0 {
		c.Broker.OutboundQueueSize = 1024
	}
	if c.Broker.DefaultKeepAlive == "" {
		c.Broker.DefaultKeepAlive = "5m"
	}
	if c.Broker.MaxPacketSize == 0 {
		c.Broker.MaxPacketSize = 1 << 20
	}
}

func ReadConfig() (Config, error) {
	bytes, err := os.ReadFile("config.json")

	if err != nil {
		applyDefaults(&config)
		data, marshalErr := json.MarshalIndent(config, "", "\t")
		if marshalErr != nil {
			return config, marshalErr
		}
		if writeErr := os.WriteFile("config.json", data, 0644); writeErr != nil {
			return config, writeErr
		}
		return config, errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	}

	err = json.Unmarshal(bytes, &config)

	if err != nil {
		return config, errors.New("the configuration file does not contain valid JSON")
	}

	applyDefaults(&config)
	initialized = true
	return config, nil
}

func GetConfig() (Config, error) {
	if initialized {
		return config, nil
	}
	return ReadConfig()
}

// SetConfigForTest 测试专用，直接注入配置
func SetConfigForTest(c Config) {
	applyDefaults(&c)
	config = c
	initialized = true
}
