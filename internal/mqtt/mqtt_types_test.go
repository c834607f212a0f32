package mqtt

import "testing"

func TestPacketTypeString(t *testing.T) {
	tests := []struct {
		pt     PacketType
		expect string
	}{
		{CONNECT, "CONNECT"},
		{PUBREL, "PUBREL"},
		{DISCONNECT, "DISCONNECT"},
		{0, "UNKNOWN"},
		{15, "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.pt.String(); got != tt.expect {
			t.Errorf("类型=%X 期望=%s 实际=%s", byte(tt.pt), tt.expect, got)
		}
	}
}

func TestAckTypeOf(t *testing.T) {
	tests := []struct {
		pt     PacketType
		expect AckType
		ok     bool
	}{
		{PUBACK, PubAck, true},
		{PUBREC, PubRec, true},
		{PUBREL, PubRel, true},
		{PUBCOMP, PubComp, true},
		{PUBLISH, 0, false},
		{SUBACK, 0, false},
	}

	for _, tt := range tests {
		ack, ok := AckTypeOf(tt.pt)
		if ok != tt.ok || ack != tt.expect {
			t.Errorf("类型=%s 期望=(%v,%v) 实际=(%v,%v)", tt.pt, tt.expect, tt.ok, ack, ok)
		}
		if ok && ack.PacketType() != tt.pt {
			t.Errorf("类型=%s 反向映射得到 %s", tt.pt, ack.PacketType())
		}
	}

	if AckType(9).PacketType() != 0 {
		t.Errorf("out of range ack type must map to no packet type")
	}
}
