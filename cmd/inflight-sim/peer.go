package main

import (
	"context"

	"github.com/life-stream-dev/life-stream-iot-core/internal/logger"
	"github.com/life-stream-dev/life-stream-iot-core/internal/mqtt"
	"github.com/life-stream-dev/life-stream-iot-core/internal/session"
	"go.uber.org/atomic"
)

// loopbackPeer 扮演连接另一端：立即确认本端的发布，并向本端注入自己的发布
type loopbackPeer struct {
	session  *session.Session
	ids      *session.PacketIDManager
	received atomic.Int64
	sent     atomic.Int64
}

func newLoopbackPeer() *loopbackPeer {
	return &loopbackPeer{ids: session.NewPacketIDManager()}
}

func (p *loopbackPeer) SendPublish(ctx context.Context, packetID uint16, qos mqtt.QoS, _ []byte) error {
	p.received.Inc()
	switch qos {
	case mqtt.QoS1:
		return p.reply(ctx, packetID, mqtt.PubAck)
	case mqtt.QoS2:
		return p.reply(ctx, packetID, mqtt.PubRec)
	}
	return nil
}

func (p *loopbackPeer) SendAck(ctx context.Context, ack mqtt.AckType, packetID uint16) error {
	switch ack {
	case mqtt.PubRel:
		return p.reply(ctx, packetID, mqtt.PubComp)
	case mqtt.PubRec:
		return p.reply(ctx, packetID, mqtt.PubRel)
	case mqtt.PubAck, mqtt.PubComp:
		// 对端发布完成
		p.ids.ReleaseID(packetID)
	}
	return nil
}

func (p *loopbackPeer) reply(ctx context.Context, packetID uint16, ack mqtt.AckType) error {
	if _, err := p.session.HandleAck(ctx, packetID, ack); err != nil {
		logger.WarnF("Peer %s for packet id %d rejected: %v", ack, packetID, err)
		return err
	}
	return nil
}

// publish 以对端身份向会话发送一条发布
func (p *loopbackPeer) publish(ctx context.Context, qos mqtt.QoS) error {
	var packetID uint16
	if qos != mqtt.QoS0 {
		id, err := p.ids.NextID()
		if err != nil {
			return err
		}
		packetID = id
	}
	if _, err := p.session.HandlePublish(ctx, packetID, qos); err != nil {
		p.ids.ReleaseID(packetID)
		return err
	}
	p.sent.Inc()
	return nil
}
