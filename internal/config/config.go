package config

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/goccy/go-json"
	"github.com/joeshaw/envdecode"
)

const DefaultPath = "config.json"

type Config struct {
	Queue struct {
		// 每个会话发送队列同时运行的 worker 上限
		MaxNotifyWorkers uint `json:"max_notify_workers" env:"IOTCORE_QUEUE_MAX_NOTIFY_WORKERS"`
	} `json:"queue"`
	State struct {
		// 出站、入站记录表各自的容量
		ArrayMaxCount int `json:"array_max_count" env:"IOTCORE_STATE_ARRAY_MAX_COUNT"`
	} `json:"state"`
	Session struct {
		ClientID   string `json:"client_id" env:"IOTCORE_CLIENT_ID"`
		AckTimeout string `json:"ack_timeout" env:"IOTCORE_ACK_TIMEOUT"`
	} `json:"session"`
	Database struct {
		Host               string `json:"host" env:"IOTCORE_DB_HOST"`
		Port               uint64 `json:"port" env:"IOTCORE_DB_PORT"`
		Username           string `json:"username" env:"IOTCORE_DB_USERNAME"`
		Password           string `json:"password" env:"IOTCORE_DB_PASSWORD"`
		Database           string `json:"database" env:"IOTCORE_DB_DATABASE"`
		UseTLS             bool   `json:"use_tls" env:"IOTCORE_DB_USE_TLS"`
		ConnectTimeout     string `json:"connect_timeout" env:"IOTCORE_DB_CONNECT_TIMEOUT"`
		SocketTimeout      string `json:"socket_timeout" env:"IOTCORE_DB_SOCKET_TIMEOUT"`
		ConnectIdleTimeout string `json:"connect_idle_timeout" env:"IOTCORE_DB_CONNECT_IDLE_TIMEOUT"`
		OperationTimeout   string `json:"operation_timeout" env:"IOTCORE_DB_OPERATION_TIMEOUT"`
		Heartbeat          string `json:"heartbeat" env:"IOTCORE_DB_HEARTBEAT"`
		MinPoolSize        uint64 `json:"min_pool_size" env:"IOTCORE_DB_MIN_POOL_SIZE"`
		MaxPoolSize        uint64 `json:"max_pool_size" env:"IOTCORE_DB_MAX_POOL_SIZE"`
	} `json:"database"`
	DebugMode bool   `json:"debug_mode" env:"IOTCORE_DEBUG_MODE"`
	AppName   string `json:"app_name" env:"IOTCORE_APP_NAME"`
	LogPath   string `json:"log_path" env:"IOTCORE_LOG_PATH"`
}

var (
	ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	ErrInvalidJSON   = errors.New("the configuration file does not contain valid JSON")
)

var (
	mu          sync.Mutex
	config      Config
	initialized = false
)

// Default 返回写入新配置文件时使用的默认值
func Default() Config {
	var c Config
	c.Queue.MaxNotifyWorkers = 2
	c.State.ArrayMaxCount = 10
	c.Session.AckTimeout = "30s"
	c.Database.Port = 27017
	c.Database.Database = "iot_core"
	c.Database.ConnectTimeout = "10s"
	c.Database.SocketTimeout = "30s"
	c.Database.ConnectIdleTimeout = "5m"
	c.Database.OperationTimeout = "5s"
	c.Database.Heartbeat = "10s"
	c.Database.MinPoolSize = 1
	c.Database.MaxPoolSize = 10
	c.AppName = "life-stream-iot-core"
	c.LogPath = "logs"
	return c
}

// Load 读取 path 处的 JSON 文件并应用 IOTCORE_* 环境变量覆盖。
// 文件不存在时以默认值创建并返回 ErrConfigCreated
func Load(path string) (Config, error) {
	c := Default()
	bytes, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return c, fmt.Errorf("error occured while reading %s: %w", path, err)
		}
		data, _ := json.MarshalIndent(c, "", "\t")
		if err := os.WriteFile(path, data, 0644); err != nil {
			return c, fmt.Errorf("error occured while creating %s: %w", path, err)
		}
		return c, ErrConfigCreated
	}

	if err := json.Unmarshal(bytes, &c); err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	if err := envdecode.Decode(&c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return c, fmt.Errorf("error occured while reading environment overrides: %w", err)
	}
	return c, nil
}

func ReadConfig() (Config, error) {
	c, err := Load(DefaultPath)
	if err != nil {
		return c, err
	}
	mu.Lock()
	defer mu.Unlock()
	config = c
	initialized = true
	return c, nil
}

func GetConfig() (Config, error) {
	mu.Lock()
	if initialized {
		defer mu.Unlock()
		return config, nil
	}
	mu.Unlock()
	return ReadConfig()
}
