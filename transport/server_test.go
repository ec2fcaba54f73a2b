package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

// mockHandler implements ConnHandler for testing
type mockHandler struct {
	mu       sync.Mutex
	conns    []net.Conn
	handleCh chan net.Conn
	block    bool
}

func newMockHandler() *mockHandler {
	return &mockHandler{
		conns:    make([]net.Conn, 0),
		handleCh: make(chan net.Conn, 10),
	}
}

func (h *mockHandler) Handle(ctx context.Context, conn net.Conn) {
	h.mu.Lock()
	h.conns = append(h.conns, conn)
	h.mu.Unlock()

	select {
	case h.handleCh <- conn:
	default:
	}

	if h.block {
		<-ctx.Done()
		conn.Close()
	}
}

func (h *mockHandler) getConns() []net.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns
}

func newTestServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	server, err := Listen("127.0.0.1:0", opts...)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	return server
}

func TestListen(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	if server.listener == nil {
		t.Error("listener is nil")
	}
	if server.Addr() == nil {
		t.Error("Addr returned nil")
	}
}

func TestListen_InvalidAddr(t *testing.T) {
	server1 := newTestServer(t)
	defer server1.Close()

	_, err := Listen(server1.Addr().String())
	if err == nil {
		t.Error("expected error for occupied port")
	}
}

func TestServer_Close(t *testing.T) {
	server := newTestServer(t)

	if err := server.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	if _, err := server.listener.Accept(); err == nil {
		t.Error("expected error after close")
	}
}

func TestServer_Serve(t *testing.T) {
	server := newTestServer(t)

	handler := newMockHandler()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, handler)
	}()

	clientConn, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("client dial failed: %v", err)
	}
	defer clientConn.Close()

	select {
	case conn := <-handler.handleCh:
		if conn == nil {
			t.Error("handler received nil connection")
		} else {
			conn.Close()
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for handler")
	}

	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

func TestServer_Serve_MultipleConnections(t *testing.T) {
	server := newTestServer(t)

	handler := newMockHandler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go server.Serve(ctx, handler)

	numClients := 5
	clients := make([]net.Conn, numClients)
	for i := 0; i < numClients; i++ {
		clientConn, err := net.Dial("tcp", server.Addr().String())
		if err != nil {
			t.Fatalf("client %d dial failed: %v", i, err)
		}
		clients[i] = clientConn
	}

	for i := 0; i < numClients; i++ {
		select {
		case conn := <-handler.handleCh:
			if conn == nil {
				t.Errorf("handler %d received nil connection", i)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for handler %d", i)
		}
	}

	for _, conn := range clients {
		conn.Close()
	}

	conns := handler.getConns()
	if len(conns) != numClients {
		t.Errorf("handler received %d connections, want %d", len(conns), numClients)
	}
	for _, conn := range conns {
		conn.Close()
	}
}

func TestServer_Serve_DrainsHandlers(t *testing.T) {
	server := newTestServer(t, ServerShutdownTimeoutOption(5*time.Second))

	handler := newMockHandler()
	handler.block = true
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, handler)
	}()

	clientConn, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("client dial failed: %v", err)
	}
	defer clientConn.Close()

	select {
	case <-handler.handleCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for handler")
	}

	start := time.Now()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		if time.Since(start) > 4*time.Second {
			t.Error("Serve waited for the full timeout although the handler returned")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

func TestServer_Serve_CloseReturnsNil(t *testing.T) {
	server := newTestServer(t)

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(context.Background(), newMockHandler())
	}()

	time.Sleep(20 * time.Millisecond)
	server.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil after Close, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

func TestConnHandlerFunc(t *testing.T) {
	called := false
	var h ConnHandler = ConnHandlerFunc(func(context.Context, net.Conn) { called = true })
	h.Handle(context.Background(), nil)
	if !called {
		t.Error("handler func not called")
	}
}
