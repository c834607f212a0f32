package metric

import (
	"context"
	"testing"

	"github.com/life-stream-dev/life-stream-iot-core/internal/mqtt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestNewSessionMetric(t *testing.T) {
	m, err := NewSessionMetric(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.NotNil(t, m.Publishes)
	assert.NotNil(t, m.Acks)
	assert.NotNil(t, m.ProtocolErrors)
	assert.NotNil(t, m.Inflight)
	assert.NotNil(t, m.StoreErrors)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordPublish(ctx, mqtt.Send, mqtt.QoS2)
		m.RecordAck(ctx, mqtt.Receive, mqtt.PubRec)
		m.RecordProtocolError(ctx, mqtt.PUBCOMP)
		m.AdjustInflight(ctx, 1)
		m.AdjustInflight(ctx, 0)
		m.RecordStoreError(ctx)
	})
}

func TestNewGlobalSessionMetric(t *testing.T) {
	m, err := NewGlobalSessionMetric()
	require.NoError(t, err)
	assert.NotNil(t, m)
}
