package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

func startRelay(t *testing.T) string {
	t.Helper()

	server := newTestServer(t, ServerLoggerOption(NopLogger()))
	relay := NewRelay(RelayLoggerOption(NopLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.Serve(ctx, relay)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
	return server.Addr().String()
}

type received struct {
	from, target, text string
}

type recorder struct {
	mu    sync.Mutex
	lines []received
	ch    chan received
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan received, 256)}
}

func (r *recorder) handle(from, target, text string) {
	r.mu.Lock()
	r.lines = append(r.lines, received{from, target, text})
	r.mu.Unlock()
	r.ch <- received{from, target, text}
}

func (r *recorder) next(t *testing.T) received {
	t.Helper()
	select {
	case m := <-r.ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for a message")
		return received{}
	}
}

func startClient(t *testing.T, addr, nick, channel string, rec *recorder) *Client {
	t.Helper()

	var handler Handler
	if rec != nil {
		handler = rec.handle
	}

	ctx, cancel := context.WithCancel(context.Background())
	c, err := Dial(ctx, ClientConfig{Addr: addr, Nick: nick, Channel: channel}, handler, LoggerOption(NopLogger()))
	if err != nil {
		cancel()
		t.Fatalf("Dial failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-c.Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("client %s never became ready", nick)
	}
	return c
}

func TestRelay_DirectMessage(t *testing.T) {
	addr := startRelay(t)
	bobRec := newRecorder()

	alice := startClient(t, addr, "alice", "", nil)
	startClient(t, addr, "bob", "", bobRec)

	text := `\sea.0 bob alice req %index.html`
	if err := alice.Send(context.Background(), "bob", text); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got := bobRec.next(t)
	if got.from != "alice" || got.target != "bob" || got.text != text {
		t.Errorf("received %+v", got)
	}
}

func TestRelay_ChannelMessage(t *testing.T) {
	addr := startRelay(t)
	aliceRec := newRecorder()
	bobRec := newRecorder()

	alice := startClient(t, addr, "alice", "#sea", aliceRec)
	startClient(t, addr, "bob", "#sea", bobRec)

	if err := alice.Send(context.Background(), "#sea", "hello channel"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got := bobRec.next(t)
	if got.from != "alice" || got.target != "#sea" || got.text != "hello channel" {
		t.Errorf("received %+v", got)
	}

	select {
	case m := <-aliceRec.ch:
		t.Errorf("sender received its own channel message: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRelay_PreservesOrder(t *testing.T) {
	addr := startRelay(t)
	bobRec := newRecorder()

	alice := startClient(t, addr, "alice", "", nil)
	startClient(t, addr, "bob", "", bobRec)

	const n = 100
	for i := 0; i < n; i++ {
		if err := alice.Send(context.Background(), "bob", fmt.Sprintf("line %d", i)); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		got := bobRec.next(t)
		if want := fmt.Sprintf("line %d", i); got.text != want {
			t.Fatalf("line %d = %q, want %q", i, got.text, want)
		}
	}
}

func TestRelay_NickInUse(t *testing.T) {
	addr := startRelay(t)

	startClient(t, addr, "alice", "", nil)
	second := startClient(t, addr, "alice", "", nil)

	if second.Nick() != "alice_" {
		t.Errorf("Nick = %q, want alice_", second.Nick())
	}
}

func TestClient_SendBeforeReady(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	c, err := NewClient(clientConn, ClientConfig{Nick: "alice"}, nil, LoggerOption(NopLogger()))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := c.Send(context.Background(), "bob", "hi"); err != ErrNotReady {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

// rawSession speaks IRC directly to the relay.
type rawSession struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialRaw(t *testing.T, addr string) *rawSession {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &rawSession{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (s *rawSession) send(line string) {
	s.t.Helper()
	if _, err := s.conn.Write([]byte(line + "\r\n")); err != nil {
		s.t.Fatalf("write failed: %v", err)
	}
}

func (s *rawSession) expect(fragment string) string {
	s.t.Helper()
	_ = s.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := s.r.ReadString('\n')
	if err != nil {
		s.t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(line, fragment) {
		s.t.Fatalf("line %q does not contain %q", line, fragment)
	}
	return line
}

func TestRelay_Numerics(t *testing.T) {
	addr := startRelay(t)
	s := dialRaw(t, addr)

	s.send("PRIVMSG bob :hi")
	s.expect(" 451 * ")

	s.send("NICK")
	s.expect(" 431 ")

	s.send("USER carol")
	s.expect(" 461 ")

	s.send("NICK carol")
	s.send("USER carol 0 * :Carol")
	s.expect(" 001 carol ")

	s.send("PING :tok")
	s.expect("PONG")

	s.send("PRIVMSG nobody :hi")
	s.expect(" 401 carol nobody ")

	s.send("FROB")
	s.expect(" 421 carol FROB ")

	s.send("JOIN #sea")
	s.expect(":carol!carol@relay JOIN #sea")

	s.send("PART #sea")
	s.expect(":carol!carol@relay PART #sea")
}

func TestRelay_QuitNotifiesChannel(t *testing.T) {
	addr := startRelay(t)

	watcher := dialRaw(t, addr)
	watcher.send("NICK watcher")
	watcher.send("USER w 0 * :w")
	watcher.expect(" 001 ")
	watcher.send("JOIN #sea")
	watcher.expect("JOIN #sea")

	leaver := dialRaw(t, addr)
	leaver.send("NICK leaver")
	leaver.send("USER l 0 * :l")
	leaver.expect(" 001 ")
	leaver.send("JOIN #sea")
	leaver.expect("JOIN #sea")
	watcher.expect(":leaver!l@relay JOIN #sea")

	leaver.send("QUIT :bye")
	watcher.expect(":leaver!l@relay QUIT")
}

func TestClient_QuitEndsRun(t *testing.T) {
	addr := startRelay(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := Dial(ctx, ClientConfig{Addr: addr, Nick: "leaving"}, nil, LoggerOption(NopLogger()))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-c.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("client never became ready")
	}

	if err := c.Quit(ctx, "done"); err != nil {
		t.Fatalf("Quit failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after QUIT")
	}
}

func TestRelay_NickAndUserLimits(t *testing.T) {
	addr := startRelay(t)

	watcher := dialRaw(t, addr)
	watcher.send("NICK watcher")
	watcher.send("USER w 0 * :w")
	watcher.expect(" 001 ")
	watcher.send("JOIN #sea")
	watcher.expect("JOIN #sea")

	s := dialRaw(t, addr)
	s.send("NICK " + strings.Repeat("x", MaxNickLength+1))
	s.expect(" 432 ")

	s.send("NICK long")
	s.send("USER " + strings.Repeat("u", 40) + " 0 * :Long")
	s.expect(" 001 long ")
	s.send("JOIN #sea")
	s.expect("JOIN #sea")

	line := watcher.expect(":long!" + strings.Repeat("u", MaxUserLength) + "@relay JOIN #sea")
	if strings.Contains(line, strings.Repeat("u", MaxUserLength+1)) {
		t.Errorf("user not truncated: %q", line)
	}
}

func TestClient_SendRejectsOversizedText(t *testing.T) {
	addr := startRelay(t)
	bobRec := newRecorder()

	alice := startClient(t, addr, "alice", "", nil)
	startClient(t, addr, "bob", "", bobRec)

	max := MaxTextLength("bob")
	err := alice.Send(context.Background(), "bob", strings.Repeat("a", max+1))
	if !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("expected ErrLineTooLong, got %v", err)
	}

	text := strings.Repeat("a", max)
	if err := alice.Send(context.Background(), "bob", text); err != nil {
		t.Fatalf("Send at the budget failed: %v", err)
	}
	if got := bobRec.next(t); got.text != text {
		t.Errorf("received %d bytes, want %d", len(got.text), len(text))
	}
}

func TestDial_RejectsLongNick(t *testing.T) {
	_, err := Dial(context.Background(), ClientConfig{Addr: "127.0.0.1:1", Nick: strings.Repeat("x", MaxNickLength+1)}, nil)
	if err == nil {
		t.Fatal("expected an error for an over-long nick")
	}
}
