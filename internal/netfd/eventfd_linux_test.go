package netfd

import "testing"

func TestEventFDRoundTrip(t *testing.T) {
	efd, err := NewEventFD()
	if err != nil {
		t.Fatalf("NewEventFD: %v", err)
	}
	defer efd.Close()

	if efd.Fd() < 0 {
		t.Fatalf("invalid fd %d", efd.Fd())
	}

	const val uint64 = 0x78
	if err := efd.WriteEvent(val); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	got, err := efd.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if got != val {
		t.Fatalf("ReadEvent = %d, want %d", got, val)
	}
}

func TestEventFDAccumulates(t *testing.T) {
	efd, err := NewEventFD()
	if err != nil {
		t.Fatalf("NewEventFD: %v", err)
	}
	defer efd.Close()

	if err := efd.WriteEvent(3); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	if err := efd.WriteEvent(4); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	got, err := efd.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if got != 7 {
		t.Fatalf("ReadEvent = %d, want 7 (counter accumulates until read)", got)
	}
}
