package session

import (
	"time"

	c "github.com/life-stream-dev/life-stream-iot-core/internal/config"
	"github.com/life-stream-dev/life-stream-iot-core/internal/database"
	"github.com/life-stream-dev/life-stream-iot-core/internal/metric"
	"github.com/life-stream-dev/life-stream-iot-core/internal/utils"
)

const (
	DefaultAckTimeout = 30 * time.Second
	DefaultMaxWorkers = 2
)

type Option func(*Session)

// WithStore 持久化在途记录，Resume 依赖它
func WithStore(store database.InflightStore) Option {
	return func(s *Session) { s.store = store }
}

func WithMetric(m *metric.SessionMetric) Option {
	return func(s *Session) { s.metric = m }
}

func WithAckTimeout(timeout time.Duration) Option {
	return func(s *Session) {
		if timeout > 0 {
			s.ackTimeout = timeout
		}
	}
}

// WithCapacity 设置每个方向可跟踪的记录数
func WithCapacity(capacity int) Option {
	return func(s *Session) {
		if capacity > 0 {
			s.capacity = capacity
		}
	}
}

func WithMaxWorkers(workers uint) Option {
	return func(s *Session) {
		if workers > 0 {
			s.maxWorkers = workers
		}
	}
}

// WithSpawn 替换启动发送 worker 的方式
func WithSpawn(spawn func(func()) error) Option {
	return func(s *Session) { s.spawn = spawn }
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// ConfigOptions 把配置中的 queue、state 和 session 部分转换为会话选项
func ConfigOptions(config c.Config) []Option {
	return []Option{
		WithCapacity(config.State.ArrayMaxCount),
		WithMaxWorkers(config.Queue.MaxNotifyWorkers),
		WithAckTimeout(utils.ParseStringTimeOr(config.Session.AckTimeout, DefaultAckTimeout)),
	}
}
