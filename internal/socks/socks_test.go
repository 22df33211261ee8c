package socks

import (
	"net"
	"testing"
	"time"
)

func TestStreamWorkerRelaysBothDirections(t *testing.T) {
	client, server := net.Pipe()
	w := newStreamWorker(client)
	defer w.Close()

	go func() {
		buf := make([]byte, 5)
		n, err := server.Read(buf)
		if err != nil || string(buf[:n]) != "hello" {
			t.Errorf("server read %q, err=%v, want %q", buf[:n], err, "hello")
		}
		server.Write([]byte("world"))
	}()

	select {
	case w.Outbound <- []byte("hello"):
	case <-time.After(time.Second):
		t.Fatal("timed out sending outbound")
	}

	select {
	case got := <-w.Inbound:
		if string(got) != "world" {
			t.Errorf("Inbound = %q, want %q", got, "world")
		}
	case err := <-w.Err:
		t.Fatalf("unexpected Err: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound")
	}
}

func TestStreamWorkerReportsCloseAsErr(t *testing.T) {
	client, server := net.Pipe()
	w := newStreamWorker(client)
	server.Close()

	select {
	case <-w.Err:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Err after peer close")
	}
}
