package transport

import "testing"

func TestWSSenderClosesWhenSendBufferFull(t *testing.T) {
	s := &wsSender{send: make(chan []byte, 2), done: make(chan struct{})}

	if err := s.Send([]byte("a")); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := s.Send([]byte("b")); err != nil {
		t.Fatalf("second send: %v", err)
	}

	// Buffer is now full; a third send should close the sender rather
	// than block.
	if err := s.Send([]byte("c")); err == nil {
		t.Fatalf("expected error once send buffer is full")
	}

	select {
	case <-s.done:
	default:
		t.Fatalf("expected sender marked done after buffer overflow")
	}
}

func TestWSSenderCloseOnceIsIdempotent(t *testing.T) {
	s := &wsSender{send: make(chan []byte, 1), done: make(chan struct{})}
	s.closeOnce()
	s.closeOnce() // must not panic on double-close
	select {
	case <-s.done:
	default:
		t.Fatalf("expected done channel closed")
	}
}
