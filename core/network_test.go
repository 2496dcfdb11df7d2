package core

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestDialerDialConnectsToListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
		close(accepted)
	}()

	d := NewDialer(time.Second, 0)
	conn, err := d.Dial(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()

	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Fatal("listener never accepted connection")
	}
}

func TestDialerDialRejectsUnreachableAddress(t *testing.T) {
	d := NewDialer(50*time.Millisecond, 0)
	if _, err := d.Dial(context.Background(), "127.0.0.1:1"); err == nil {
		t.Fatal("expected dial error for unreachable port")
	}
}
