// Package session 把发布状态机、发送队列和确认超时表组合成一个客户端会话
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-iot-core/internal/database"
	"github.com/life-stream-dev/life-stream-iot-core/internal/logger"
	"github.com/life-stream-dev/life-stream-iot-core/internal/metric"
	"github.com/life-stream-dev/life-stream-iot-core/internal/mqtt"
	"github.com/life-stream-dev/life-stream-iot-core/internal/queue"
)

var (
	ErrSessionClosed = errors.New("session is closed")
	ErrSessionActive = errors.New("session already has publishes in flight")
	ErrNoStore       = errors.New("session has no inflight store")
)

// Sender 负责报文的编码与传输，实现可以是真实连接也可以是测试桩
type Sender interface {
	SendPublish(ctx context.Context, packetID uint16, qos mqtt.QoS, payload []byte) error
	SendAck(ctx context.Context, ack mqtt.AckType, packetID uint16) error
}

type operationKind byte

const (
	sendPublish operationKind = iota
	sendAck
)

// Operation 是发送队列中等待发出的一个报文
type Operation struct {
	queue.Entry[*Operation]
	kind     operationKind
	PacketID uint16
	QoS      mqtt.QoS
	Ack      mqtt.AckType
	Payload  []byte
}

// pendingAck 记录一个出站发布等待对端确认的截止时间
type pendingAck struct {
	queue.Entry[*pendingAck]
	packetID uint16
	deadline time.Time
}

func byDeadline(a, b *pendingAck) int {
	return a.deadline.Compare(b.deadline)
}

func samePacketID(argument any, p *pendingAck) bool {
	return p.packetID == argument.(uint16)
}

func expiredAt(argument any, p *pendingAck) bool {
	return !p.deadline.After(argument.(time.Time))
}

// Session 持有一个客户端的两张发布记录表。所有状态迁移都在 mu（连接锁）下进行，
// 报文本身由发送队列的 worker 在锁外发出。
type Session struct {
	clientID string

	mu      sync.Mutex
	closed  bool
	tracker *mqtt.StateTracker
	ids     *PacketIDManager
	waits   *queue.List[*pendingAck]
	ops     *queue.Queue[*Operation]

	closeMu   sync.Mutex
	destroyed bool

	sender     Sender
	store      database.InflightStore
	metric     *metric.SessionMetric
	ackTimeout time.Duration
	capacity   int
	maxWorkers uint
	spawn      func(func()) error
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New 为 clientID 创建会话，报文由 sender 发出
func New(clientID string, sender Sender, opts ...Option) (*Session, error) {
	if clientID == "" {
		return nil, database.ErrClientIDEmpty
	}
	if sender == nil {
		return nil, errors.New("sender is nil")
	}

	s := &Session{
		clientID:   clientID,
		sender:     sender,
		ackTimeout: DefaultAckTimeout,
		capacity:   mqtt.DefaultStateArrayMaxCount,
		maxWorkers: DefaultMaxWorkers,
		now:        time.Now,
		ids:        NewPacketIDManager(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.metric == nil {
		m, err := metric.NewGlobalSessionMetric()
		if err != nil {
			return nil, err
		}
		s.metric = m
	}

	s.tracker = mqtt.NewStateTracker(s.capacity)

	waits, err := queue.NewList(queue.LinkerAccessors[*pendingAck]())
	if err != nil {
		return nil, err
	}
	s.waits = waits

	ops, err := queue.NewQueue(queue.QueueParams[*Operation]{
		Accessors:     queue.LinkerAccessors[*Operation](),
		NotifyRoutine: s.drain,
		Spawn:         s.spawn,
	}, s.maxWorkers)
	if err != nil {
		return nil, fmt.Errorf("error occured while creating send queue: %w", err)
	}
	s.ops = ops

	s.ctx, s.cancel = context.WithCancel(context.Background())
	logger.DebugF("[%s] Session created, capacity=%d, workers=%d", clientID, s.capacity, s.maxWorkers)
	return s, nil
}

func (s *Session) ClientID() string {
	return s.clientID
}

// Publish 记录一个出站发布并排队发送，QoS 0 的报文ID为 0 且不被跟踪
func (s *Session) Publish(ctx context.Context, qos mqtt.QoS, payload []byte) (uint16, error) {
	if !qos.Valid() {
		return 0, fmt.Errorf("%w: qos %d", mqtt.ErrBadParameter, qos)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSessionClosed
	}

	var packetID uint16
	if qos != mqtt.QoS0 {
		id, err := s.ids.NextID()
		if err != nil {
			return 0, err
		}
		if err := s.tracker.ReserveState(id, qos); err != nil {
			s.ids.ReleaseID(id)
			return 0, err
		}
		packetID = id
		s.metric.AdjustInflight(ctx, 1)
	}

	op := &Operation{kind: sendPublish, PacketID: packetID, QoS: qos, Payload: payload}
	if err := s.ops.InsertHead(op); err != nil {
		if packetID != 0 {
			s.tracker.RemoveState(packetID, true)
			s.ids.ReleaseID(packetID)
			s.metric.AdjustInflight(ctx, -1)
		}
		return 0, err
	}

	if packetID != 0 {
		s.persist(ctx)
	}
	logger.DebugF("[%s] Publish queued, packet_id=%d, qos=%d", s.clientID, packetID, qos)
	return packetID, nil
}

// HandlePublish 记录收到的发布并排队 PUBACK 或 PUBREC 回复，返回入站记录进入的状态
func (s *Session) HandlePublish(ctx context.Context, packetID uint16, qos mqtt.QoS) (mqtt.PublishState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return mqtt.StateNull, ErrSessionClosed
	}

	state, err := s.tracker.UpdateStatePublish(packetID, mqtt.Receive, qos)
	if err != nil {
		s.metric.RecordProtocolError(ctx, mqtt.PUBLISH)
		logger.WarnF("[%s] Incoming publish rejected: %v", s.clientID, err)
		return mqtt.StateNull, err
	}
	s.metric.RecordPublish(ctx, mqtt.Receive, qos)
	if qos == mqtt.QoS0 {
		return state, nil
	}
	s.metric.AdjustInflight(ctx, 1)

	reply := mqtt.PubAck
	if qos == mqtt.QoS2 {
		reply = mqtt.PubRec
	}
	if err := s.enqueueAck(reply, packetID); err != nil {
		s.tracker.RemoveState(packetID, false)
		s.metric.AdjustInflight(ctx, -1)
		return mqtt.StateNull, err
	}
	s.persist(ctx)
	return state, nil
}

// HandleAck 处理对端发来的确认：排队 QoS 2 握手的后续报文，释放已完成出站发布的报文ID。
// 对端重发的 PUBREC 和 PUBREL 会让本端重发 PUBREL 和 PUBCOMP
func (s *Session) HandleAck(ctx context.Context, packetID uint16, ack mqtt.AckType) (mqtt.PublishState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return mqtt.StateNull, ErrSessionClosed
	}

	state, err := s.tracker.UpdateStateAck(packetID, ack, mqtt.Receive)
	if err != nil {
		if state, reply, ok := s.duplicateAck(packetID, ack); ok {
			s.metric.RecordAck(ctx, mqtt.Receive, ack)
			logger.DebugF("[%s] Duplicate %s for packet id %d, resending %s", s.clientID, ack, packetID, reply)
			if err := s.enqueueAck(reply, packetID); err != nil {
				return state, fmt.Errorf("error occured while queueing reply to %s: %w", ack, err)
			}
			return state, nil
		}
		s.metric.RecordProtocolError(ctx, ack.PacketType())
		logger.WarnF("[%s] %s rejected: %v", s.clientID, ack, err)
		return mqtt.StateNull, err
	}
	s.metric.RecordAck(ctx, mqtt.Receive, ack)

	var followUp error
	switch state {
	case mqtt.PublishDone:
		// 收到 PUBACK 或 PUBCOMP，出站发布完成
		s.removeWait(packetID)
		s.ids.ReleaseID(packetID)
		s.metric.AdjustInflight(ctx, -1)
	case mqtt.PubRelSend:
		s.removeWait(packetID)
		followUp = s.enqueueAck(mqtt.PubRel, packetID)
		if followUp != nil {
			// PUBREL 没能排队，保留超时等待，直到对端重发 PUBREC
			s.addWait(packetID, s.now().Add(s.ackTimeout))
		}
	case mqtt.PubCompSend:
		// 排队失败时对端会重发 PUBREL，由 duplicateAck 补发 PUBCOMP
		followUp = s.enqueueAck(mqtt.PubComp, packetID)
	}
	s.persist(ctx)
	if followUp != nil {
		return state, fmt.Errorf("error occured while queueing reply to %s: %w", ack, followUp)
	}
	return state, nil
}

// Resume 恢复该客户端保存的记录，并把握手中待发送的报文重新排队：出站记录的 PUBREL，
// 入站记录的 PUBACK、PUBREC 或 PUBCOMP。等待对端确认的出站记录重新计时。
// 仍在 PublishSend 的发布没有负载无法重发，超时后由 Expired 报告。报文ID冲突时撤销已恢复的记录
func (s *Session) Resume(ctx context.Context) error {
	if s.store == nil {
		return ErrNoStore
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.tracker.InFlight() != 0 {
		return ErrSessionActive
	}

	document, err := s.store.Load(ctx, s.clientID)
	if errors.Is(err, database.ErrNotFound) {
		logger.DebugF("[%s] No inflight records to resume", s.clientID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("error occured while loading inflight records: %w", err)
	}

	outgoing, incoming := document.Records()
	if err := s.tracker.Restore(outgoing, incoming); err != nil {
		return err
	}
	for i, record := range outgoing {
		if err := s.ids.MarkInUse(record.PacketID); err != nil {
			// 回滚：恢复前两张表都是空的
			for _, marked := range outgoing[:i] {
				s.ids.ReleaseID(marked.PacketID)
			}
			_ = s.tracker.Restore(nil, nil)
			return fmt.Errorf("error occured while restoring packet ids: %w", err)
		}
	}
	s.metric.AdjustInflight(ctx, int64(len(outgoing)+len(incoming)))

	resend := []struct {
		state mqtt.PublishState
		ack   mqtt.AckType
	}{
		{mqtt.PubRelSend, mqtt.PubRel},
		{mqtt.PubAckSend, mqtt.PubAck},
		{mqtt.PubRecSend, mqtt.PubRec},
		{mqtt.PubCompSend, mqtt.PubComp},
	}
	queued := 0
	for _, r := range resend {
		var cursor mqtt.Cursor
		for id := s.tracker.StateSelect(r.state, &cursor); id != 0; id = s.tracker.StateSelect(r.state, &cursor) {
			if err := s.enqueueAck(r.ack, id); err != nil {
				return fmt.Errorf("error occured while queueing %s for packet id %d: %w", r.ack, id, err)
			}
			queued++
		}
	}

	deadline := s.now().Add(s.ackTimeout)
	for _, record := range outgoing {
		switch record.State {
		case mqtt.PublishSend, mqtt.PubAckPending, mqtt.PubRecPending, mqtt.PubCompPending:
			s.addWait(record.PacketID, deadline)
		}
	}

	logger.InfoF("[%s] Session resumed, outgoing=%d, incoming=%d, queued=%d",
		s.clientID, len(outgoing), len(incoming), queued)
	return nil
}

// Expired 按截止时间先后删除并返回在 now 时确认已超时的出站报文ID，记录本身留在状态表中
func (s *Session) Expired(now time.Time) []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uint16
	s.waits.RemoveAllMatches(now, expiredAt, func(p *pendingAck) {
		ids = append(ids, p.packetID)
	})
	if len(ids) > 0 {
		logger.WarnF("[%s] %d publishes timed out waiting for acknowledgment: %v", s.clientID, len(ids), ids)
	}
	return ids
}

// Close 丢弃排队的报文并等待发送 worker 退出，保存的记录保留给之后的会话 Resume。
// ctx 先于 worker 结束时可以再次调用 Close 继续等待
func (s *Session) Close(ctx context.Context) error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.destroyed {
		return nil
	}

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		dropped := 0
		s.ops.RemoveAllMatches(nil, func(any, *Operation) bool { return true }, func(*Operation) { dropped++ })
		s.waits.Destroy()
		logger.DebugF("[%s] Session closing, %d queued packets dropped", s.clientID, dropped)
	}
	s.mu.Unlock()

	s.cancel()
	if err := s.ops.Destroy(ctx); err != nil {
		return fmt.Errorf("error occured while waiting for send workers: %w", err)
	}
	s.destroyed = true
	logger.DebugF("[%s] Session closed", s.clientID)
	return nil
}

// Outgoing 返回出站记录的快照
func (s *Session) Outgoing() []mqtt.PublishRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.Outgoing()
}

// Incoming 返回入站记录的快照
func (s *Session) Incoming() []mqtt.PublishRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.Incoming()
}

func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.InFlight()
}

// Queued 返回尚未被 worker 取走的报文数
func (s *Session) Queued() int {
	return s.ops.Len()
}

// drain 是发送队列的 worker，取空队列后退出
func (s *Session) drain(any) {
	for op := s.ops.RemoveTail(true); op != nil; op = s.ops.RemoveTail(true) {
		s.execute(op)
	}
}

// execute 先在锁内推进状态，再在锁外发出报文，对端的同步回复因此总能找到最新状态
func (s *Session) execute(op *Operation) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var err error
	switch op.kind {
	case sendPublish:
		err = s.commitPublish(op)
	case sendAck:
		err = s.commitAck(op)
	}
	s.mu.Unlock()
	if err != nil {
		logger.ErrorF("[%s] Dropping %s for packet id %d: %v", s.clientID, op.describe(), op.PacketID, err)
		return
	}

	switch op.kind {
	case sendPublish:
		err = s.sender.SendPublish(s.ctx, op.PacketID, op.QoS, op.Payload)
	case sendAck:
		err = s.sender.SendAck(s.ctx, op.Ack, op.PacketID)
	}
	if err != nil {
		logger.WarnF("[%s] Fail to send %s for packet id %d, details: %v", s.clientID, op.describe(), op.PacketID, err)
	}
}

func (s *Session) commitPublish(op *Operation) error {
	s.metric.RecordPublish(s.ctx, mqtt.Send, op.QoS)
	if op.QoS == mqtt.QoS0 {
		return nil
	}
	if _, err := s.tracker.UpdateStatePublish(op.PacketID, mqtt.Send, op.QoS); err != nil {
		s.metric.RecordProtocolError(s.ctx, mqtt.PUBLISH)
		return err
	}
	s.addWait(op.PacketID, s.now().Add(s.ackTimeout))
	s.persist(s.ctx)
	return nil
}

func (s *Session) commitAck(op *Operation) error {
	state, err := s.tracker.UpdateStateAck(op.PacketID, op.Ack, mqtt.Send)
	if err != nil {
		if op.Ack == mqtt.PubRel {
			// 重发的 PUBREL：记录已在 PubCompPending，只刷新等待时间
			if record, ok := s.tracker.Lookup(op.PacketID, true); ok && record.State == mqtt.PubCompPending {
				s.addWait(op.PacketID, s.now().Add(s.ackTimeout))
				s.metric.RecordAck(s.ctx, mqtt.Send, op.Ack)
				return nil
			}
		}
		s.metric.RecordProtocolError(s.ctx, op.Ack.PacketType())
		return err
	}
	s.metric.RecordAck(s.ctx, mqtt.Send, op.Ack)
	switch state {
	case mqtt.PubCompPending:
		s.addWait(op.PacketID, s.now().Add(s.ackTimeout))
	case mqtt.PublishDone:
		s.metric.AdjustInflight(s.ctx, -1)
	}
	s.persist(s.ctx)
	return nil
}

func (op *Operation) describe() string {
	if op.kind == sendPublish {
		return mqtt.PUBLISH.String()
	}
	return op.Ack.String()
}

// 以下方法要求调用方持有 s.mu

// duplicateAck 识别对端重发的 PUBREC 和 PUBREL，返回记录当前状态以及需要重发的报文。
// 出站记录在 PubRelSend 或 PubCompPending 时重发 PUBREL，入站记录在 PubCompSend 时重发 PUBCOMP。
func (s *Session) duplicateAck(packetID uint16, ack mqtt.AckType) (mqtt.PublishState, mqtt.AckType, bool) {
	switch ack {
	case mqtt.PubRec:
		record, ok := s.tracker.Lookup(packetID, true)
		if ok && (record.State == mqtt.PubRelSend || record.State == mqtt.PubCompPending) {
			return record.State, mqtt.PubRel, true
		}
	case mqtt.PubRel:
		record, ok := s.tracker.Lookup(packetID, false)
		if ok && record.State == mqtt.PubCompSend {
			return record.State, mqtt.PubComp, true
		}
	}
	return mqtt.StateNull, 0, false
}

func (s *Session) enqueueAck(ack mqtt.AckType, packetID uint16) error {
	return s.ops.InsertHead(&Operation{kind: sendAck, PacketID: packetID, Ack: ack})
}

func (s *Session) addWait(packetID uint16, deadline time.Time) {
	s.removeWait(packetID)
	s.waits.InsertSorted(&pendingAck{packetID: packetID, deadline: deadline}, byDeadline)
}

func (s *Session) removeWait(packetID uint16) {
	if p := s.waits.FindFirstMatch(nil, packetID, samePacketID); p != nil {
		s.waits.Remove(p)
	}
}

func (s *Session) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	document := database.NewInflightDocument(s.clientID, s.tracker.Outgoing(), s.tracker.Incoming())
	var err error
	if document.Empty() {
		err = s.store.Delete(ctx, s.clientID)
	} else {
		err = s.store.Save(ctx, document)
	}
	if err != nil {
		s.metric.RecordStoreError(ctx)
		logger.WarnF("[%s] Fail to persist inflight records, details: %v", s.clientID, err)
	}
}
