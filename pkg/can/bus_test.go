package can

import "testing"

func TestNewFramePayload(t *testing.T) {
	f := NewFrame(0x123, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	if f.ID != 0x123 {
		t.Fatalf("got ID %#x, want 0x123", f.ID)
	}
	if got := f.Payload(); string(got) != string([]byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Fatalf("got payload %v, want DEADBEEF", got)
	}
}

func TestNewFrameTruncatesToMaxDataLen(t *testing.T) {
	payload := make([]byte, MaxDataLen+8)
	f := NewFrame(0x1, payload)
	if int(f.DLC) != MaxDataLen {
		t.Fatalf("got DLC %d, want %d", f.DLC, MaxDataLen)
	}
}

func TestRegisterAndNewBus(t *testing.T) {
	const name = "test-bus-register"
	called := false
	RegisterInterface(name, func(channel string) (Bus, error) {
		called = true
		return nil, nil
	})

	if _, err := NewBus(name, "chan0", 0); err != nil {
		t.Fatalf("NewBus returned error: %v", err)
	}
	if !called {
		t.Fatalf("registered factory was not invoked")
	}

	found := false
	for _, n := range Implemented() {
		if n == name {
			found = true
		}
	}
	if !found {
		t.Fatalf("Implemented() did not report %q", name)
	}
}

func TestNewBusUnknownInterface(t *testing.T) {
	if _, err := NewBus("does-not-exist", "chan0", 0); err == nil {
		t.Fatalf("expected error for unregistered interface")
	}
}
