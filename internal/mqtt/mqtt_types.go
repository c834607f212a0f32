// Package mqtt 定义 MQTT 控制报文类型以及 QoS 1/2 发布确认状态机
package mqtt

// PacketType 定义了MQTT控制报文的类型
type PacketType byte

// MQTT 控制报文类型常量定义
const (
	CONNECT     PacketType = iota + 1 // 客户端请求连接到服务器
	CONNACK                           // 连接确认
	PUBLISH                           // 发布消息
	PUBACK                            // 发布确认
	PUBREC                            // 发布收到（QoS 2第一步）
	PUBREL                            // 发布释放（QoS 2第二步）
	PUBCOMP                           // 发布完成（QoS 2第三步）
	SUBSCRIBE                         // 订阅请求
	SUBACK                            // 订阅确认
	UNSUBSCRIBE                       // 取消订阅
	UNSUBACK                          // 取消订阅确认
	PINGREQ                           // 心跳请求
	PINGRESP                          // 心跳响应
	DISCONNECT                        // 断开连接
)

var packetTypeNames = map[PacketType]string{
	CONNECT:     "CONNECT",
	CONNACK:     "CONNACK",
	PUBLISH:     "PUBLISH",
	PUBACK:      "PUBACK",
	PUBREC:      "PUBREC",
	PUBREL:      "PUBREL",
	PUBCOMP:     "PUBCOMP",
	SUBSCRIBE:   "SUBSCRIBE",
	SUBACK:      "SUBACK",
	UNSUBSCRIBE: "UNSUBSCRIBE",
	UNSUBACK:    "UNSUBACK",
	PINGREQ:     "PINGREQ",
	PINGRESP:    "PINGRESP",
	DISCONNECT:  "DISCONNECT",
}

// String 返回PacketType的字符串表示
func (packetType PacketType) String() string {
	if name, ok := packetTypeNames[packetType]; ok {
		return name
	}
	return "UNKNOWN"
}

// QoS 服务质量等级
type QoS byte

const (
	QoS0 QoS = iota // 最多一次
	QoS1            // 至少一次
	QoS2            // 恰好一次
)

func (q QoS) Valid() bool {
	return q <= QoS2
}

// AckType 发布确认报文的类型
type AckType byte

const (
	PubAck AckType = iota
	PubRec
	PubRel
	PubComp
	ackTypeCount
)

// AckTypeOf 把确认报文类型映射为 AckType
func AckTypeOf(packetType PacketType) (AckType, bool) {
	switch packetType {
	case PUBACK:
		return PubAck, true
	case PUBREC:
		return PubRec, true
	case PUBREL:
		return PubRel, true
	case PUBCOMP:
		return PubComp, true
	}
	return 0, false
}

// PacketType 返回承载该确认的控制报文类型
func (a AckType) PacketType() PacketType {
	if a >= ackTypeCount {
		return 0
	}
	return PUBACK + PacketType(a)
}

func (a AckType) String() string {
	return a.PacketType().String()
}

// StateOperation 区分本端发送还是接收
type StateOperation byte

const (
	Send StateOperation = iota
	Receive
)

func (o StateOperation) String() string {
	if o == Send {
		return "send"
	}
	return "receive"
}
