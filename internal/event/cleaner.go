package event

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/life-stream-dev/life-stream-iot-core/internal/logger"
	"go.uber.org/multierr"
)

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc 让普通函数满足 Callable
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error {
	return f(ctx)
}

// Cleaner 在进程退出前按注册顺序执行清理回调，最后关闭日志。
type Cleaner struct {
	cleaners       []Callable
	mu             sync.Mutex
	initOnce       sync.Once
	cleaning       bool
	loggerShutdown Callable
	timeout        time.Duration
}

var cleanerInstance = NewLocalCleaner()

func NewCleaner() *Cleaner {
	return cleanerInstance
}

// NewLocalCleaner 返回一个非全局单例的 Cleaner
func NewLocalCleaner() *Cleaner {
	return &Cleaner{timeout: 10 * time.Second}
}

func (c *Cleaner) Add(callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.Debug("Cleaner is already shutting down, ignoring new cleaner")
		return
	}
	c.cleaners = append(c.cleaners, callable)
}

// Shutdown 依次执行所有已注册的清理函数，每个都受自己的超时限制，返回合并后的错误。
// 重复调用不做任何事
func (c *Cleaner) Shutdown() error {
	c.mu.Lock()
	if c.cleaning {
		c.mu.Unlock()
		return nil
	}
	c.cleaning = true // 标记为清理中，阻止后续Add操作
	cleanersCopy := make([]Callable, len(c.cleaners))
	copy(cleanersCopy, c.cleaners)
	c.mu.Unlock()

	logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

	var errs error
	for i, callable := range cleanersCopy {
		func(idx int, cl Callable) {
			logger.DebugF("Invoking cleaner #%d (%T)", idx+1, cl)
			timeoutCtx, cancelFunc := context.WithTimeout(context.Background(), c.timeout)
			defer cancelFunc()
			if err := cl.Invoke(timeoutCtx); err != nil {
				logger.ErrorF("Cleaner #%d (%T) failed: %v", idx+1, cl, err)
				errs = multierr.Append(errs, err)
			}
		}(i, callable)
	}

	if errs != nil {
		logger.ErrorF("%d errors occurred during cleanup", len(multierr.Errors(errs)))
	} else {
		logger.Debug("All cleaners executed successfully")
	}
	return errs
}

// Init 监听中断信号，收到后执行清理、关闭日志并退出进程
func (c *Cleaner) Init(loggerShutdown Callable) {
	c.initOnce.Do(func() {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		c.loggerShutdown = loggerShutdown

		go func() {
			<-ctx.Done()
			stop()
			logger.Info("Received interrupt signal, shutting down")
			_ = c.Shutdown()
			logger.Info("Cleanup finished, process exiting")
			c.CloseLogger()
			syscall.Exit(0)
		}()
	})
}

// CloseLogger 刷新并关闭通过 Init 注册的日志
func (c *Cleaner) CloseLogger() {
	if c.loggerShutdown == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.loggerShutdown.Invoke(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "LOGGER SHUTDOWN ERROR: %v\n", err)
	}
}
