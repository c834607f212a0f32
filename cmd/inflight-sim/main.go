package main

import (
	"context"
	"errors"
	"flag"
	"time"

	"github.com/flowchartsman/retry"
	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-iot-core/internal/config"
	"github.com/life-stream-dev/life-stream-iot-core/internal/database"
	"github.com/life-stream-dev/life-stream-iot-core/internal/event"
	"github.com/life-stream-dev/life-stream-iot-core/internal/logger"
	"github.com/life-stream-dev/life-stream-iot-core/internal/mqtt"
	"github.com/life-stream-dev/life-stream-iot-core/internal/session"
	"golang.org/x/sync/errgroup"
)

var (
	publishers = flag.Int("publishers", 4, "number of concurrent publishers")
	messages   = flag.Int("messages", 25, "publishes sent by each publisher, and as many received")
	settle     = flag.Duration("settle", 10*time.Second, "how long to wait for every handshake to finish")
)

func main() {
	flag.Parse()

	cfg, err := config.ReadConfig()
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	loggerCallback := logger.Init()
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)
	defer cleaner.CloseLogger()
	defer func() { _ = cleaner.Shutdown() }()

	ctx := context.Background()
	var store database.InflightStore = database.NewMemoryStore()
	if cfg.Database.Host != "" {
		dbStore, err := database.ConnectDatabase(ctx, cfg)
		if err != nil {
			logger.FatalF("Error occured while initializing database, details: %v", err)
			return
		}
		store = dbStore
	} else {
		logger.Info("No database host configured, keeping inflight records in memory")
	}

	clientID := cfg.Session.ClientID
	if clientID == "" {
		clientID = "inflight-sim-" + uuid.NewString()
	}

	peer := newLoopbackPeer()
	s, err := session.New(clientID, peer, append(session.ConfigOptions(cfg), session.WithStore(store))...)
	if err != nil {
		logger.FatalF("Error occured while creating session, details: %v", err)
		return
	}
	peer.session = s
	cleaner.Add(event.CallableFunc(s.Close))

	if err := s.Resume(ctx); err != nil {
		logger.ErrorF("Error occured while resuming session %s, details: %v", clientID, err)
	}

	start := time.Now()
	if err := run(ctx, s, peer, *publishers, *messages); err != nil {
		logger.ErrorF("Simulation aborted, details: %v", err)
	}
	waitSettled(s, *settle)

	for _, id := range s.Expired(time.Now()) {
		logger.WarnF("Publish %d never completed", id)
	}
	logger.InfoF("Simulation of %s finished in %v: sent=%d, received=%d, inflight=%d",
		clientID, time.Since(start), peer.received.Load(), peer.sent.Load(), s.InFlight())
}

// run 让每个发布者交替发送本端发布和注入对端发布
func run(ctx context.Context, s *session.Session, peer *loopbackPeer, publishers, messages int) error {
	g, ctx := errgroup.WithContext(ctx)
	for p := 0; p < publishers; p++ {
		g.Go(func() error {
			for i := 0; i < messages; i++ {
				qos := mqtt.QoS((p + i) % 3)
				if err := retryFull(ctx, func() error {
					_, err := s.Publish(ctx, qos, []byte(uuid.NewString()))
					return err
				}); err != nil {
					return err
				}
				if err := retryFull(ctx, func() error {
					return peer.publish(ctx, qos)
				}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// retryFull 在记录表已满时退避重试，其他错误立即返回
func retryFull(ctx context.Context, fn func() error) error {
	var terminal error
	retrier := retry.NewRetrier(50, time.Millisecond, 100*time.Millisecond)
	err := retrier.RunContext(ctx, func(context.Context) error {
		err := fn()
		if errors.Is(err, mqtt.ErrNoMemory) || errors.Is(err, mqtt.ErrStateCollision) {
			return err
		}
		terminal = err
		return nil
	})
	if terminal != nil {
		return terminal
	}
	return err
}

func waitSettled(s *session.Session, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if s.InFlight() == 0 && s.Queued() == 0 {
			return
		}
		if time.Now().After(deadline) {
			logger.WarnF("Handshakes still open after %v: inflight=%d", timeout, s.InFlight())
			return
		}
	}
}
