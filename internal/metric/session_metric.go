package metric

import (
	"context"
	"fmt"

	"github.com/life-stream-dev/life-stream-iot-core/internal/mqtt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/life-stream-dev/life-stream-iot-core/session"

	publishCounterName       = "iotcore.session.publishes"
	ackCounterName           = "iotcore.session.acks"
	protocolErrorCounterName = "iotcore.session.protocol_errors"
	inflightCounterName      = "iotcore.session.inflight"
	storeErrorCounterName    = "iotcore.session.store_errors"
)

// SessionMetric 收集会话层的发布、确认和在途记录数量
type SessionMetric struct {
	// 发送或接收的 QoS 发布数量
	Publishes metric.Int64Counter
	// 发送或接收的确认数量
	Acks metric.Int64Counter
	// 被状态机拒绝的报文数量
	ProtocolErrors metric.Int64Counter
	// 当前在途记录数
	Inflight metric.Int64UpDownCounter
	// 持久化失败次数
	StoreErrors metric.Int64Counter
}

// NewSessionMetric 在 meter 上创建会话相关的指标
func NewSessionMetric(meter metric.Meter) (*SessionMetric, error) {
	m := new(SessionMetric)
	var err error

	if m.Publishes, err = meter.Int64Counter(
		publishCounterName,
		metric.WithDescription("The total number of QoS publishes sent or received"),
	); err != nil {
		return nil, fmt.Errorf("failed to create publish count instrument, %v", err)
	}

	if m.Acks, err = meter.Int64Counter(
		ackCounterName,
		metric.WithDescription("The total number of acknowledgments sent or received"),
	); err != nil {
		return nil, fmt.Errorf("failed to create ack count instrument, %v", err)
	}

	if m.ProtocolErrors, err = meter.Int64Counter(
		protocolErrorCounterName,
		metric.WithDescription("The total number of packets rejected by the publish state machine"),
	); err != nil {
		return nil, fmt.Errorf("failed to create protocol error count instrument, %v", err)
	}

	if m.Inflight, err = meter.Int64UpDownCounter(
		inflightCounterName,
		metric.WithDescription("The number of publish records currently in flight"),
	); err != nil {
		return nil, fmt.Errorf("failed to create inflight instrument, %v", err)
	}

	if m.StoreErrors, err = meter.Int64Counter(
		storeErrorCounterName,
		metric.WithDescription("The total number of failed inflight persistence calls"),
	); err != nil {
		return nil, fmt.Errorf("failed to create store error count instrument, %v", err)
	}

	return m, nil
}

// NewGlobalSessionMetric 使用全局注册的 provider 提供的 meter
func NewGlobalSessionMetric() (*SessionMetric, error) {
	return NewSessionMetric(otel.Meter(meterName))
}

func (m *SessionMetric) RecordPublish(ctx context.Context, op mqtt.StateOperation, qos mqtt.QoS) {
	m.Publishes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", op.String()),
		attribute.Int("qos", int(qos)),
	))
}

func (m *SessionMetric) RecordAck(ctx context.Context, op mqtt.StateOperation, ack mqtt.AckType) {
	m.Acks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", op.String()),
		attribute.String("ack", ack.String()),
	))
}

func (m *SessionMetric) RecordProtocolError(ctx context.Context, packet mqtt.PacketType) {
	m.ProtocolErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("packet", packet.String())))
}

// AdjustInflight 记录在途记录数的变化量
func (m *SessionMetric) AdjustInflight(ctx context.Context, delta int64) {
	if delta != 0 {
		m.Inflight.Add(ctx, delta)
	}
}

func (m *SessionMetric) RecordStoreError(ctx context.Context) {
	m.StoreErrors.Add(ctx, 1)
}
