package ports

import (
	"errors"
	"net"
	"testing"
)

func canUseLoopbackSockets() bool {
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

func occupy(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func TestFindReturnsPreferredWhenFree(t *testing.T) {
	if !canUseLoopbackSockets() {
		t.Skip("loopback sockets are not available in this environment")
	}
	ln, port := occupy(t)
	_ = ln.Close()

	got, err := Find("127.0.0.1", port, 10)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if got != port {
		t.Fatalf("expected preferred port %d, got %d", port, got)
	}
}

func TestFindSkipsOccupiedPort(t *testing.T) {
	if !canUseLoopbackSockets() {
		t.Skip("loopback sockets are not available in this environment")
	}
	ln, port := occupy(t)
	defer ln.Close()
	if port > 65000 {
		t.Skip("ephemeral port too close to the top of the range")
	}

	got, err := Find("127.0.0.1", port, 50)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if got <= port || got >= port+50 {
		t.Fatalf("expected a higher port in range, got %d (occupied %d)", got, port)
	}
}

func TestFindExhaustedRange(t *testing.T) {
	if !canUseLoopbackSockets() {
		t.Skip("loopback sockets are not available in this environment")
	}
	ln, port := occupy(t)
	defer ln.Close()

	_, err := Find("127.0.0.1", port, 1)
	if !errors.Is(err, ErrNoPortAvailable) {
		t.Fatalf("expected ErrNoPortAvailable, got %v", err)
	}
}

func TestAvailable(t *testing.T) {
	if !canUseLoopbackSockets() {
		t.Skip("loopback sockets are not available in this environment")
	}
	ln, port := occupy(t)
	if Available("127.0.0.1", port) {
		t.Fatal("occupied port should not be available")
	}
	_ = ln.Close()
	if !Available("127.0.0.1", port) {
		t.Fatal("released port should be available")
	}
}
