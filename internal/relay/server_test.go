package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"devtunnel-go/internal/ports"

	"github.com/benbjohnson/clock"
)

type forwarded struct {
	id      string
	payload []byte
}

type fakeResponder struct {
	forwarded chan forwarded
	err       error
}

func newFakeResponder() *fakeResponder {
	return &fakeResponder{forwarded: make(chan forwarded, 16)}
}

func (f *fakeResponder) Forward(ctx context.Context, id string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.forwarded <- forwarded{id: id, payload: append([]byte(nil), payload...)}
	return nil
}

func (f *fakeResponder) next(t *testing.T) forwarded {
	t.Helper()
	select {
	case fw := <-f.forwarded:
		return fw
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded request")
		return forwarded{}
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	infos  []string
	errors []string
}

func (n *recordingNotifier) Info(message string) {
	n.mu.Lock()
	n.infos = append(n.infos, message)
	n.mu.Unlock()
}

func (n *recordingNotifier) Error(message string) {
	n.mu.Lock()
	n.errors = append(n.errors, message)
	n.mu.Unlock()
}

func (n *recordingNotifier) hasInfo(message string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.infos {
		if m == message {
			return true
		}
	}
	return false
}

type relayResult struct {
	status  int
	message string
	err     error
}

func canUseLoopbackSockets() bool {
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func newTestServer(t *testing.T, mock *clock.Mock) (*Server, *recordingNotifier) {
	t.Helper()
	if !canUseLoopbackSockets() {
		t.Skip("loopback sockets are not available in this environment")
	}
	notifier := &recordingNotifier{}
	srv := New(Options{
		PortRange: 20,
		Clock:     mock,
		Notifier:  notifier,
	})
	t.Cleanup(func() {
		_ = srv.Stop(context.Background())
	})
	return srv, notifier
}

func startServer(t *testing.T, srv *Server) int {
	t.Helper()
	if err := srv.Start(context.Background(), freePort(t)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return srv.Port()
}

func postAsync(port int, body string) <-chan relayResult {
	out := make(chan relayResult, 1)
	go func() {
		resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/", port), "application/json", bytes.NewBufferString(body))
		if err != nil {
			out <- relayResult{err: err}
			return
		}
		defer resp.Body.Close()
		var payload struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		out <- relayResult{status: resp.StatusCode, message: payload.Message}
	}()
	return out
}

func waitResult(t *testing.T, ch <-chan relayResult) relayResult {
	t.Helper()
	select {
	case res := <-ch:
		if res.err != nil {
			t.Fatal(res.err)
		}
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for relay response")
		return relayResult{}
	}
}

func TestStartAndStop(t *testing.T) {
	srv, notifier := newTestServer(t, clock.NewMock())
	var statuses []Status
	var mu sync.Mutex
	srv.OnStateChange(func(s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	port := startServer(t, srv)
	if !srv.Running() || port == 0 {
		t.Fatalf("expected running server, got %+v", srv.Status())
	}
	if !notifier.hasInfo(fmt.Sprintf("DevTunnel started at http://localhost:%d", port)) {
		t.Fatal("expected start notification")
	}

	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if srv.Running() || srv.Port() != 0 {
		t.Fatalf("expected stopped server, got %+v", srv.Status())
	}
	if !ports.Available("127.0.0.1", port) {
		t.Fatal("port should be released once Stop returns")
	}
	if !notifier.hasInfo(MessageStopped) {
		t.Fatal("expected stop notification")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) != 2 || statuses[0].State != StateRunning || statuses[0].Port != port || statuses[1].State != StateStopped {
		t.Fatalf("unexpected state transitions: %+v", statuses)
	}
}

func TestStopWhenStoppedIsNoop(t *testing.T) {
	srv, _ := newTestServer(t, clock.NewMock())
	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestLivenessAndPreflight(t *testing.T) {
	srv, _ := newTestServer(t, clock.NewMock())
	port := startServer(t, srv)
	base := fmt.Sprintf("http://127.0.0.1:%d/", port)

	resp, err := http.Get(base + "anything")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "DevTunnel is running!" {
		t.Fatalf("unexpected liveness response: %d %q", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("unexpected content type %q", ct)
	}

	req, _ := http.NewRequest(http.MethodOptions, base, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 preflight, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" ||
		resp.Header.Get("Access-Control-Allow-Methods") != "POST, OPTIONS" ||
		resp.Header.Get("Access-Control-Allow-Headers") != "Content-Type" {
		t.Fatalf("unexpected CORS headers: %v", resp.Header)
	}
	if srv.Status().Pending != 0 {
		t.Fatal("preflight must not register requests")
	}
}

func TestPostResolvedByResponder(t *testing.T) {
	srv, _ := newTestServer(t, clock.NewMock())
	responder := newFakeResponder()
	srv.SetResponder(responder)
	port := startServer(t, srv)

	result := postAsync(port, `{"test":"data"}`)
	fw := responder.next(t)
	if string(fw.payload) != `{"test":"data"}` {
		t.Fatalf("unexpected forwarded payload %q", fw.payload)
	}
	if !srv.Notify(fw.id, true) {
		t.Fatal("notify should resolve the pending request")
	}

	res := waitResult(t, result)
	if res.status != http.StatusOK || res.message != "Received and processed by frontend" {
		t.Fatalf("unexpected response: %+v", res)
	}
	if srv.Notify(fw.id, true) {
		t.Fatal("duplicate notify should be ignored")
	}
}

func TestPostFailedByResponder(t *testing.T) {
	srv, _ := newTestServer(t, clock.NewMock())
	responder := newFakeResponder()
	srv.SetResponder(responder)
	port := startServer(t, srv)

	result := postAsync(port, "payload")
	fw := responder.next(t)
	srv.Notify(fw.id, false)

	res := waitResult(t, result)
	if res.status != http.StatusInternalServerError || res.message != "Frontend failed to process request" {
		t.Fatalf("unexpected response: %+v", res)
	}
}

func TestPostWithoutResponder(t *testing.T) {
	srv, _ := newTestServer(t, clock.NewMock())
	port := startServer(t, srv)

	res := waitResult(t, postAsync(port, `{"test":"data"}`))
	if res.status != http.StatusServiceUnavailable || res.message != MessageNoResponder {
		t.Fatalf("unexpected response: %+v", res)
	}
	if srv.Status().Pending != 0 {
		t.Fatal("registry should stay empty without a responder")
	}
}

func TestPostForwardFailure(t *testing.T) {
	srv, _ := newTestServer(t, clock.NewMock())
	srv.SetResponder(&fakeResponder{err: errors.New("webview gone")})
	port := startServer(t, srv)

	res := waitResult(t, postAsync(port, "x"))
	if res.status != http.StatusServiceUnavailable {
		t.Fatalf("unexpected response: %+v", res)
	}
	if srv.Status().Pending != 0 {
		t.Fatal("failed forward should not leave a pending entry")
	}
}

func TestPostTimesOut(t *testing.T) {
	mock := clock.NewMock()
	srv, _ := newTestServer(t, mock)
	responder := newFakeResponder()
	srv.SetResponder(responder)
	port := startServer(t, srv)

	result := postAsync(port, "slow")
	fw := responder.next(t)
	mock.Add(30 * time.Second)

	res := waitResult(t, result)
	if res.status != http.StatusGatewayTimeout || res.message != "Timeout waiting for frontend response" {
		t.Fatalf("unexpected response: %+v", res)
	}
	if srv.Status().Pending != 0 {
		t.Fatal("expired request should be removed")
	}
	if srv.Notify(fw.id, true) {
		t.Fatal("notify after expiry should be a no-op")
	}
}

func TestPostBodyTooLarge(t *testing.T) {
	if !canUseLoopbackSockets() {
		t.Skip("loopback sockets are not available in this environment")
	}
	srv := New(Options{MaxBodyBytes: 4, Clock: clock.NewMock(), Notifier: &recordingNotifier{}})
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	srv.SetResponder(newFakeResponder())
	port := startServer(t, srv)

	res := waitResult(t, postAsync(port, "far too long"))
	if res.status != http.StatusRequestEntityTooLarge {
		t.Fatalf("unexpected response: %+v", res)
	}
}

func TestStartSamePortIsIdempotent(t *testing.T) {
	srv, _ := newTestServer(t, clock.NewMock())
	responder := newFakeResponder()
	srv.SetResponder(responder)
	port := startServer(t, srv)

	result := postAsync(port, "hold")
	fw := responder.next(t)

	if err := srv.Start(context.Background(), port); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if srv.Port() != port {
		t.Fatalf("expected port %d to be kept, got %d", port, srv.Port())
	}
	if srv.Status().Pending != 1 {
		t.Fatal("idempotent start must not disturb pending requests")
	}

	srv.Notify(fw.id, true)
	if res := waitResult(t, result); res.status != http.StatusOK {
		t.Fatalf("unexpected response: %+v", res)
	}
}

func TestStartDifferentPortRestarts(t *testing.T) {
	srv, _ := newTestServer(t, clock.NewMock())
	first := startServer(t, srv)

	second := freePort(t)
	for second == first {
		second = freePort(t)
	}
	if err := srv.Start(context.Background(), second); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if srv.Port() == first {
		t.Fatal("expected the relay to move off the first port")
	}
	if !ports.Available("127.0.0.1", first) {
		t.Fatal("first port should be released")
	}
}

func TestStopDrainsPendingRequests(t *testing.T) {
	srv, _ := newTestServer(t, clock.NewMock())
	responder := newFakeResponder()
	srv.SetResponder(responder)
	port := startServer(t, srv)

	const n = 3
	results := make([]<-chan relayResult, 0, n)
	for i := 0; i < n; i++ {
		results = append(results, postAsync(port, fmt.Sprintf("req-%d", i)))
		responder.next(t)
	}
	if srv.Status().Pending != n {
		t.Fatalf("expected %d pending, got %d", n, srv.Status().Pending)
	}

	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if srv.Status().Pending != 0 {
		t.Fatal("registry should be empty once Stop returns")
	}
	for _, ch := range results {
		res := waitResult(t, ch)
		if res.status != http.StatusServiceUnavailable || res.message != MessageStopped {
			t.Fatalf("unexpected response: %+v", res)
		}
	}
}

func TestStopClosesStalledConnections(t *testing.T) {
	if !canUseLoopbackSockets() {
		t.Skip("loopback sockets are not available in this environment")
	}
	srv := New(Options{ShutdownGrace: 100 * time.Millisecond, Clock: clock.NewMock(), Notifier: &recordingNotifier{}})
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	srv.SetResponder(newFakeResponder())
	port := startServer(t, srv)

	conn, err := net.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	req := "POST / HTTP/1.1\r\nHost: localhost\r\nContent-Type: application/json\r\nContent-Length: 100\r\n\r\n{\"part"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	stopped := make(chan error, 1)
	go func() {
		stopped <- srv.Stop(context.Background())
	}()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Stop() blocked by a stalled client; state=%s", srv.Status().State)
	}
	if srv.Running() {
		t.Fatal("relay should be stopped")
	}
	if !ports.Available("127.0.0.1", port) {
		t.Fatal("port should be released")
	}
}

func TestStartOnOccupiedPreferredPort(t *testing.T) {
	srv, _ := newTestServer(t, clock.NewMock())
	blocker, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer blocker.Close()
	occupied := blocker.Addr().(*net.TCPAddr).Port
	if occupied > 65000 {
		t.Skip("ephemeral port too close to the top of the range")
	}

	if err := srv.Start(context.Background(), occupied); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := srv.Port(); got <= occupied || got >= occupied+20 {
		t.Fatalf("expected a higher port within range, got %d (occupied %d)", got, occupied)
	}
}

func TestStartFailsWhenRangeExhausted(t *testing.T) {
	if !canUseLoopbackSockets() {
		t.Skip("loopback sockets are not available in this environment")
	}
	notifier := &recordingNotifier{}
	srv := New(Options{PortRange: 1, Clock: clock.NewMock(), Notifier: notifier})
	blocker, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer blocker.Close()
	occupied := blocker.Addr().(*net.TCPAddr).Port

	err = srv.Start(context.Background(), occupied)
	if !errors.Is(err, ports.ErrNoPortAvailable) {
		t.Fatalf("expected ErrNoPortAvailable, got %v", err)
	}
	if srv.Running() || srv.Port() != 0 || srv.Status().State != StateStopped {
		t.Fatalf("failed start must leave the relay stopped, got %+v", srv.Status())
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.errors) != 1 {
		t.Fatalf("expected one error notification, got %v", notifier.errors)
	}
}

func TestBindErrorUnwraps(t *testing.T) {
	inner := errors.New("address in use")
	err := error(&BindError{Port: 3000, Err: inner})
	if !errors.Is(err, inner) {
		t.Fatal("BindError should unwrap to the OS error")
	}
	var bindErr *BindError
	if !errors.As(err, &bindErr) || bindErr.Port != 3000 {
		t.Fatalf("unexpected BindError: %v", err)
	}
}
