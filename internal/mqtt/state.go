package mqtt

import (
	"errors"
	"fmt"
)

// DefaultStateArrayMaxCount 每个方向最多同时跟踪的发布记录数
const DefaultStateArrayMaxCount = 10

var (
	ErrBadParameter   = errors.New("bad parameter")
	ErrStateCollision = errors.New("publish state collision")
	ErrNoMemory       = errors.New("no free publish record")
	ErrIllegalState   = errors.New("illegal publish state transition")
)

// PublishState 是一条 QoS 1/2 发布在确认握手中的状态
type PublishState byte

const (
	StateNull PublishState = iota
	PublishSend
	PubAckSend
	PubRecSend
	PubRelSend
	PubCompSend
	PubAckPending
	PubRecPending
	PubRelPending
	PubCompPending
	PublishDone
)

var publishStateNames = [...]string{
	StateNull:      "MQTTStateNull",
	PublishSend:    "MQTTPublishSend",
	PubAckSend:     "MQTTPubAckSend",
	PubRecSend:     "MQTTPubRecSend",
	PubRelSend:     "MQTTPubRelSend",
	PubCompSend:    "MQTTPubCompSend",
	PubAckPending:  "MQTTPubAckPending",
	PubRecPending:  "MQTTPubRecPending",
	PubRelPending:  "MQTTPubRelPending",
	PubCompPending: "MQTTPubCompPending",
	PublishDone:    "MQTTPublishDone",
}

func (s PublishState) String() string {
	if int(s) < len(publishStateNames) {
		return publishStateNames[s]
	}
	return "Invalid MQTT State"
}

// PublishRecord 记录一个正在确认中的发布；PacketID 为 0 表示空槽位。
type PublishRecord struct {
	PacketID uint16
	QoS      QoS
	State    PublishState
}

func (r PublishRecord) empty() bool {
	return r.PacketID == 0
}

// Cursor 在 StateSelect 中记录扫描位置，零值从头开始。
type Cursor struct {
	index int
}

func (c *Cursor) Reset() {
	c.index = 0
}

// StateTracker 维护出站和入站两张定长发布记录表。
// 它不加锁，调用方（通常是持有连接锁的协议层）负责串行化访问。
type StateTracker struct {
	outgoing []PublishRecord
	incoming []PublishRecord
}

// NewStateTracker 创建每个方向可容纳 capacity 条记录的状态表，
// capacity 不为正时使用 DefaultStateArrayMaxCount
func NewStateTracker(capacity int) *StateTracker {
	if capacity <= 0 {
		capacity = DefaultStateArrayMaxCount
	}
	return &StateTracker{
		outgoing: make([]PublishRecord, capacity),
		incoming: make([]PublishRecord, capacity),
	}
}

func (t *StateTracker) Capacity() int {
	return len(t.outgoing)
}

// CalculateStatePublish 返回发布报文发出或收到后进入的状态，QoS 或操作非法时返回 StateNull
func CalculateStatePublish(op StateOperation, qos QoS) PublishState {
	switch {
	case qos == QoS0:
		return PublishDone
	case op != Send && op != Receive:
		return StateNull
	case qos == QoS1 && op == Send:
		return PubAckPending
	case qos == QoS1:
		return PubAckSend
	case qos == QoS2 && op == Send:
		return PubRecPending
	case qos == QoS2:
		return PubRecSend
	}
	return StateNull
}

// CalculateStateAck 返回指定 QoS 的发布在发出或收到 ack 后进入的状态，不可能出现的组合返回 StateNull
func CalculateStateAck(ack AckType, op StateOperation, qos QoS) PublishState {
	if op != Send && op != Receive {
		return StateNull
	}
	switch ack {
	case PubAck:
		if qos == QoS1 {
			return PublishDone
		}
	case PubRec:
		if qos == QoS2 {
			if op == Send {
				return PubRelPending
			}
			return PubRelSend
		}
	case PubRel:
		if qos == QoS2 {
			if op == Send {
				return PubCompPending
			}
			return PubCompSend
		}
	case PubComp:
		if qos == QoS2 {
			return PublishDone
		}
	}
	return StateNull
}

// ackSourceState 返回发送/接收 ack 之前记录必须处于的状态
func ackSourceState(ack AckType, op StateOperation) PublishState {
	switch ack {
	case PubAck:
		if op == Receive {
			return PubAckPending
		}
		return PubAckSend
	case PubRec:
		if op == Receive {
			return PubRecPending
		}
		return PubRecSend
	case PubRel:
		if op == Send {
			return PubRelSend
		}
		return PubRelPending
	case PubComp:
		if op == Receive {
			return PubCompPending
		}
		return PubCompSend
	}
	return StateNull
}

// isOutgoingAck 判断 ack 属于本端发出的发布：收到 PUBACK/PUBREC/PUBCOMP，或发送 PUBREL。
func isOutgoingAck(ack AckType, op StateOperation) bool {
	if ack == PubRel {
		return op == Send
	}
	return op == Receive
}

// ReserveState 为即将发出的发布占用一条出站记录，QoS 0 不需要记录
func (t *StateTracker) ReserveState(packetID uint16, qos QoS) error {
	if qos == QoS0 {
		return nil
	}
	if t == nil || packetID == 0 || !qos.Valid() {
		return fmt.Errorf("%w: reserve packet id %d qos %d", ErrBadParameter, packetID, qos)
	}
	if find(t.outgoing, packetID) >= 0 {
		return fmt.Errorf("%w: outgoing packet id %d already in use", ErrStateCollision, packetID)
	}
	slot := firstEmpty(t.outgoing)
	if slot < 0 {
		return fmt.Errorf("%w: all %d outgoing records in use", ErrNoMemory, len(t.outgoing))
	}
	t.outgoing[slot] = PublishRecord{PacketID: packetID, QoS: qos, State: PublishSend}
	return nil
}

// UpdateStatePublish 记录发布已发出（更新预留的记录）或已收到（新建入站记录），返回新状态
func (t *StateTracker) UpdateStatePublish(packetID uint16, op StateOperation, qos QoS) (PublishState, error) {
	if qos == QoS0 {
		return PublishDone, nil
	}
	if t == nil || packetID == 0 || !qos.Valid() || (op != Send && op != Receive) {
		return StateNull, fmt.Errorf("%w: publish packet id %d qos %d", ErrBadParameter, packetID, qos)
	}

	newState := CalculateStatePublish(op, qos)

	if op == Send {
		i := find(t.outgoing, packetID)
		if i < 0 {
			return StateNull, fmt.Errorf("%w: packet id %d was not reserved", ErrBadParameter, packetID)
		}
		record := &t.outgoing[i]
		if record.QoS != qos {
			return StateNull, fmt.Errorf("%w: packet id %d reserved with qos %d, published with qos %d",
				ErrBadParameter, packetID, record.QoS, qos)
		}
		if record.State != PublishSend {
			return StateNull, fmt.Errorf("%w: cannot send publish %d in state %s", ErrIllegalState, packetID, record.State)
		}
		record.State = newState
		return newState, nil
	}

	if find(t.incoming, packetID) >= 0 {
		return StateNull, fmt.Errorf("%w: incoming packet id %d already in use", ErrStateCollision, packetID)
	}
	slot := firstEmpty(t.incoming)
	if slot < 0 {
		return StateNull, fmt.Errorf("%w: all %d incoming records in use", ErrNoMemory, len(t.incoming))
	}
	t.incoming[slot] = PublishRecord{PacketID: packetID, QoS: qos, State: newState}
	return newState, nil
}

// UpdateStateAck 把发出或收到的确认应用到对应记录并返回新状态，进入 PublishDone 的记录会被清除
func (t *StateTracker) UpdateStateAck(packetID uint16, ack AckType, op StateOperation) (PublishState, error) {
	if t == nil || packetID == 0 || ack >= ackTypeCount || (op != Send && op != Receive) {
		return StateNull, fmt.Errorf("%w: %s %s for packet id %d", ErrBadParameter, op, ack, packetID)
	}

	records := t.incoming
	if isOutgoingAck(ack, op) {
		records = t.outgoing
	}
	i := find(records, packetID)
	if i < 0 {
		return StateNull, fmt.Errorf("%w: no publish record for %s %s packet id %d", ErrBadParameter, op, ack, packetID)
	}

	record := &records[i]
	newState := CalculateStateAck(ack, op, record.QoS)
	if newState == StateNull || record.State != ackSourceState(ack, op) {
		return StateNull, fmt.Errorf("%w: %s %s for packet id %d in state %s (qos %d)",
			ErrIllegalState, op, ack, packetID, record.State, record.QoS)
	}

	if newState == PublishDone {
		*record = PublishRecord{}
	} else {
		record.State = newState
	}
	return newState, nil
}

// RemoveState 不经握手直接删除出站或入站表中 packetID 的记录，返回是否删除了记录
func (t *StateTracker) RemoveState(packetID uint16, outgoing bool) bool {
	if t == nil || packetID == 0 {
		return false
	}
	records := t.incoming
	if outgoing {
		records = t.outgoing
	}
	if i := find(records, packetID); i >= 0 {
		records[i] = PublishRecord{}
		return true
	}
	return false
}

// StateSelect 从 cursor 之后查找下一个处于 search 状态的记录并返回其报文ID。
// 先遍历入站表再遍历出站表，两张表都遍历完后返回 0，之后的调用也一直返回 0
func (t *StateTracker) StateSelect(search PublishState, cursor *Cursor) uint16 {
	if t == nil || cursor == nil || search == StateNull {
		return 0
	}

	total := len(t.incoming) + len(t.outgoing)
	for cursor.index < total {
		var record PublishRecord
		if cursor.index < len(t.incoming) {
			record = t.incoming[cursor.index]
		} else {
			record = t.outgoing[cursor.index-len(t.incoming)]
		}
		cursor.index++
		if !record.empty() && record.State == search {
			return record.PacketID
		}
	}
	return 0
}

// Outgoing 返回已占用出站记录的副本
func (t *StateTracker) Outgoing() []PublishRecord {
	return occupied(t.outgoing)
}

// Incoming 返回已占用入站记录的副本
func (t *StateTracker) Incoming() []PublishRecord {
	return occupied(t.incoming)
}

// InFlight 返回两张表中占用的记录总数
func (t *StateTracker) InFlight() int {
	return len(t.Outgoing()) + len(t.Incoming())
}

// Lookup 在出站或入站表中查找 packetID 的记录
func (t *StateTracker) Lookup(packetID uint16, outgoing bool) (PublishRecord, bool) {
	records := t.incoming
	if outgoing {
		records = t.outgoing
	}
	if i := find(records, packetID); i >= 0 {
		return records[i], true
	}
	return PublishRecord{}, false
}

// Restore 用保存过的记录替换两张表，出错时状态表保持不变
func (t *StateTracker) Restore(outgoing, incoming []PublishRecord) error {
	if t == nil {
		return fmt.Errorf("%w: nil tracker", ErrBadParameter)
	}
	out, err := restoreTable(outgoing, len(t.outgoing), true)
	if err != nil {
		return fmt.Errorf("restore outgoing records: %w", err)
	}
	in, err := restoreTable(incoming, len(t.incoming), false)
	if err != nil {
		return fmt.Errorf("restore incoming records: %w", err)
	}
	t.outgoing, t.incoming = out, in
	return nil
}

func restoreTable(records []PublishRecord, capacity int, outgoing bool) ([]PublishRecord, error) {
	if len(records) > capacity {
		return nil, fmt.Errorf("%w: %d records exceed capacity %d", ErrNoMemory, len(records), capacity)
	}
	table := make([]PublishRecord, capacity)
	for i, record := range records {
		if record.PacketID == 0 || !restorable(record, outgoing) {
			return nil, fmt.Errorf("%w: record %+v", ErrBadParameter, record)
		}
		if find(table[:i], record.PacketID) >= 0 {
			return nil, fmt.Errorf("%w: duplicate packet id %d", ErrStateCollision, record.PacketID)
		}
		table[i] = record
	}
	return table, nil
}

// restorable 检查记录状态与方向、QoS 是否一致
func restorable(record PublishRecord, outgoing bool) bool {
	switch record.State {
	case PublishSend:
		return outgoing && (record.QoS == QoS1 || record.QoS == QoS2)
	case PubAckPending:
		return outgoing && record.QoS == QoS1
	case PubRecPending, PubRelSend, PubCompPending:
		return outgoing && record.QoS == QoS2
	case PubAckSend:
		return !outgoing && record.QoS == QoS1
	case PubRecSend, PubRelPending, PubCompSend:
		return !outgoing && record.QoS == QoS2
	}
	return false
}

func find(records []PublishRecord, packetID uint16) int {
	for i := range records {
		if records[i].PacketID == packetID {
			return i
		}
	}
	return -1
}

func firstEmpty(records []PublishRecord) int {
	return find(records, 0)
}

func occupied(records []PublishRecord) []PublishRecord {
	result := make([]PublishRecord, 0, len(records))
	for _, record := range records {
		if !record.empty() {
			result = append(result, record)
		}
	}
	return result
}
