package database

import (
	"context"
	"errors"
	"time"

	"github.com/life-stream-dev/life-stream-iot-core/internal/mqtt"
)

const InflightCollectionName = "inflight"

var (
	ErrClientIDEmpty = errors.New("client_id is empty")
	ErrNotFound      = errors.New("inflight document does not exist")
)

// InflightRecord 是持久化的单条发布记录
type InflightRecord struct {
	PacketID uint16 `bson:"packet_id"`
	QoS      byte   `bson:"qos"`
	State    byte   `bson:"state"`
}

// InflightDocument 保存一个客户端两个方向上未完成的 QoS 1/2 发布
type InflightDocument struct {
	ClientID  string           `bson:"client_id"`
	Outgoing  []InflightRecord `bson:"outgoing"`
	Incoming  []InflightRecord `bson:"incoming"`
	UpdatedAt time.Time        `bson:"updated_at"`
}

// InflightStore 保存客户端的发布状态表，持久会话重连后据此恢复握手
type InflightStore interface {
	Load(ctx context.Context, clientID string) (*InflightDocument, error)
	Save(ctx context.Context, document *InflightDocument) error
	Delete(ctx context.Context, clientID string) error
}

func NewInflightDocument(clientID string, outgoing, incoming []mqtt.PublishRecord) *InflightDocument {
	return &InflightDocument{
		ClientID:  clientID,
		Outgoing:  toInflightRecords(outgoing),
		Incoming:  toInflightRecords(incoming),
		UpdatedAt: time.Now().UTC(),
	}
}

// Records 把文档还原为状态表记录
func (d *InflightDocument) Records() (outgoing, incoming []mqtt.PublishRecord) {
	return toPublishRecords(d.Outgoing), toPublishRecords(d.Incoming)
}

func (d *InflightDocument) Empty() bool {
	return len(d.Outgoing) == 0 && len(d.Incoming) == 0
}

func toInflightRecords(records []mqtt.PublishRecord) []InflightRecord {
	result := make([]InflightRecord, 0, len(records))
	for _, r := range records {
		result = append(result, InflightRecord{PacketID: r.PacketID, QoS: byte(r.QoS), State: byte(r.State)})
	}
	return result
}

func toPublishRecords(records []InflightRecord) []mqtt.PublishRecord {
	result := make([]mqtt.PublishRecord, 0, len(records))
	for _, r := range records {
		result = append(result, mqtt.PublishRecord{PacketID: r.PacketID, QoS: mqtt.QoS(r.QoS), State: mqtt.PublishState(r.State)})
	}
	return result
}
