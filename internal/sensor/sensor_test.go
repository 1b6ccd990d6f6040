package sensor

import "testing"

func TestHandlePacketForwardsDataAndReady(t *testing.T) {
	c := New(nil)
	var got []Packet
	c.Subscribe(func(p Packet) { got = append(got, p) })

	c.handlePacket(Packet{Type: "data", Value: 1.5, HeaterStep: 2})
	c.handlePacket(Packet{Type: "ready", FirmwareVersion: "1.0"})
	c.handlePacket(Packet{Type: "ack"})

	if len(got) != 2 {
		t.Fatalf("expected 2 forwarded packets, got %d: %+v", len(got), got)
	}
	if got[0].Type != "data" || got[0].Value != 1.5 {
		t.Errorf("unexpected first packet: %+v", got[0])
	}
	if got[1].Type != "ready" {
		t.Errorf("unexpected second packet: %+v", got[1])
	}
}

func TestHandlePacketRecordsLastReady(t *testing.T) {
	c := New(nil)
	if _, ok := c.LastReady(); ok {
		t.Fatal("expected no ready packet before one arrives")
	}
	c.handlePacket(Packet{Type: "ready", SensorCount: 4})
	p, ok := c.LastReady()
	if !ok {
		t.Fatal("expected a ready packet to be recorded")
	}
	if p.SensorCount != 4 {
		t.Errorf("expected sensor count 4, got %d", p.SensorCount)
	}
}

func TestHandlePacketWithNoSubscriberDoesNotPanic(t *testing.T) {
	c := New(nil)
	c.handlePacket(Packet{Type: "data", Value: 1})
}
