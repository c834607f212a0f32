package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	c "github.com/life-stream-dev/life-stream-iot-core/internal/config"
	"github.com/life-stream-dev/life-stream-iot-core/internal/event"
	"github.com/life-stream-dev/life-stream-iot-core/internal/logger"
	"github.com/life-stream-dev/life-stream-iot-core/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	mongoevent "go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultOperationTimeout = 5 * time.Second

type DBCloseCallback struct {
	client  *mongo.Client
	timeout time.Duration
}

func (dc *DBCloseCallback) Invoke(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, dc.timeout)
	defer cancel()
	return dc.client.Disconnect(ctx)
}

// clientOptions 根据配置构造 MongoDB 客户端参数
func clientOptions(config c.Config) *options.ClientOptions {
	db := config.Database
	// 编码特殊字符
	encodedUser := url.QueryEscape(db.Username)
	encodedPass := url.QueryEscape(db.Password)
	databaseURL := fmt.Sprintf("mongodb://%s:%d/", db.Host, db.Port)
	if db.Username != "" {
		databaseURL = fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
			encodedUser, encodedPass, db.Host, db.Port)
	}

	clientOptions := options.Client().ApplyURI(databaseURL).SetAppName(config.AppName)
	// 连接池配置
	clientOptions.SetMinPoolSize(db.MinPoolSize)
	clientOptions.SetMaxPoolSize(db.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTimeOr(db.ConnectIdleTimeout, 5*time.Minute))
	// 超时限制
	clientOptions.SetConnectTimeout(utils.ParseStringTimeOr(db.ConnectTimeout, 10*time.Second))
	clientOptions.SetSocketTimeout(utils.ParseStringTimeOr(db.SocketTimeout, 30*time.Second))
	// 心跳包
	clientOptions.SetHeartbeatInterval(utils.ParseStringTimeOr(db.Heartbeat, 10*time.Second))
	if db.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&mongoevent.PoolMonitor{
		Event: func(evt *mongoevent.PoolEvent) {
			switch evt.Type {
			case mongoevent.ConnectionCreated:
				logger.DebugF("Database connection created: %+v", evt)
			case mongoevent.ConnectionClosed:
				logger.DebugF("Database connection closed: %+v", evt)
			}
		},
	})
	return clientOptions
}

// ConnectDatabase 连接 MongoDB，确保 inflight 集合上有 client_id 唯一索引，并向 cleaner 注册断开连接的回调
func ConnectDatabase(ctx context.Context, config c.Config) (*DBStore, error) {
	logger.DebugF("Connecting to database...")

	operationTimeout := utils.ParseStringTimeOr(config.Database.OperationTimeout, defaultOperationTimeout)

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions(config))
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	// 验证连接
	if err = client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	collection := client.Database(config.Database.Database).Collection(InflightCollectionName)
	_, err = collection.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "client_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("inflight_client_id_unique"),
	})
	if err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("error occured while creating database indexes: %w", err)
	}

	event.NewCleaner().Add(&DBCloseCallback{client: client, timeout: operationTimeout})
	logger.InfoF("Connected to database %s at %s:%d", config.Database.Database, config.Database.Host, config.Database.Port)
	return NewDatabaseStore(collection, operationTimeout), nil
}
