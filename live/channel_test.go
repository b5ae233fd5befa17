package live

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type frame struct {
	N int `json:"n"`
}

func wsServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type recorder struct {
	mu     sync.Mutex
	msgs   []int
	states []State
}

func (r *recorder) handlers() Handlers[frame] {
	return Handlers[frame]{
		OnMessage: func(f frame) {
			r.mu.Lock()
			r.msgs = append(r.msgs, f.N)
			r.mu.Unlock()
		},
		OnStateChange: func(s State) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() ([]int, []State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.msgs...), append([]State(nil), r.states...)
}

func eventually(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestChannelDeliversInOrderAndDropsMalformed(t *testing.T) {
	release := make(chan struct{})
	url := wsServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"n":1}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json {{`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"n":2}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"n":3}`))
		<-release
	})
	defer close(release)

	rec := &recorder{}
	ch := Open(url, JSON[frame], rec.handlers(), WithName("test"))
	defer ch.Close()

	eventually(t, "three messages", func() bool {
		msgs, _ := rec.snapshot()
		return len(msgs) == 3
	})
	msgs, states := rec.snapshot()
	for i, want := range []int{1, 2, 3} {
		if msgs[i] != want {
			t.Fatalf("messages = %v, want [1 2 3]", msgs)
		}
	}
	if len(states) != 2 || states[0] != StateConnecting || states[1] != StateOpen {
		t.Errorf("states = %v, want [connecting open]", states)
	}
	if ch.State() != StateOpen {
		t.Errorf("State = %s after malformed frame", ch.State())
	}
	if latest, ok := ch.Latest(); !ok || latest.N != 3 {
		t.Errorf("Latest = %+v, %v", latest, ok)
	}
}

func TestChannelServerCloseEndsClosed(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		time.Sleep(50 * time.Millisecond)
	})
	rec := &recorder{}
	ch := Open(url, nil, rec.handlers())
	defer ch.Close()

	eventually(t, "closed", func() bool { return ch.State() == StateClosed })
	_, states := rec.snapshot()
	if len(states) != 3 || states[2] != StateClosed {
		t.Errorf("states = %v", states)
	}
	if ch.Err() != nil {
		t.Errorf("Err = %v for a clean close", ch.Err())
	}
}

func TestChannelAbnormalDropEndsErrored(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		_ = conn.UnderlyingConn().Close()
	})
	ch := Open(url, JSON[frame], Handlers[frame]{})
	defer ch.Close()

	eventually(t, "errored", func() bool { return ch.State() == StateErrored })
	if !errors.Is(ch.Err(), ErrChannelTransport) {
		t.Errorf("Err = %v, want ErrChannelTransport", ch.Err())
	}
}

func TestChannelDialFailureEndsErrored(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	rec := &recorder{}
	ch := Open(url, JSON[frame], rec.handlers())
	defer ch.Close()
	eventually(t, "errored", func() bool { return ch.State() == StateErrored })
	_, states := rec.snapshot()
	for _, s := range states {
		if s == StateOpen {
			t.Fatalf("states = %v, never opened", states)
		}
	}
}

func TestChannelCloseTwiceNoFurtherCallbacks(t *testing.T) {
	send := make(chan struct{})
	done := make(chan struct{})
	url := wsServer(t, func(conn *websocket.Conn) {
		defer close(done)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"n":1}`))
		<-send
		for i := 2; i < 20; i++ {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"n":2}`)); err != nil {
				return
			}
		}
	})
	rec := &recorder{}
	ch := Open(url, JSON[frame], rec.handlers())
	eventually(t, "first message", func() bool {
		msgs, _ := rec.snapshot()
		return len(msgs) == 1
	})

	ch.Close()
	msgs, states := rec.snapshot()
	ch.Close()
	close(send)
	<-done
	time.Sleep(20 * time.Millisecond)

	msgs2, states2 := rec.snapshot()
	if len(msgs2) != len(msgs) || len(states2) != len(states) {
		t.Fatalf("callbacks after Close: msgs %v -> %v, states %v -> %v", msgs, msgs2, states, states2)
	}
	if ch.State() != StateClosed {
		t.Errorf("State = %s, want closed", ch.State())
	}
}

func TestChannelCloseDuringDial(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	rec := &recorder{}
	ch := Open("ws"+strings.TrimPrefix(srv.URL, "http"), JSON[frame], rec.handlers())
	<-entered

	closed := make(chan struct{})
	go func() {
		ch.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on an in-flight dial")
	}
	_, states := rec.snapshot()
	for _, s := range states {
		if s != StateConnecting {
			t.Fatalf("states = %v, want only connecting", states)
		}
	}
	if ch.State() != StateClosed {
		t.Errorf("State = %s, want closed", ch.State())
	}
}

func TestChannelSend(t *testing.T) {
	got := make(chan frame, 1)
	url := wsServer(t, func(conn *websocket.Conn) {
		var f frame
		if err := conn.ReadJSON(&f); err == nil {
			got <- f
		}
	})
	ch := Open(url, JSON[frame], Handlers[frame]{})
	eventually(t, "open", func() bool { return ch.State() == StateOpen })

	if err := ch.Send(context.Background(), frame{N: 42}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case f := <-got:
		if f.N != 42 {
			t.Errorf("server got %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received frame")
	}

	ch.Close()
	if err := ch.Send(context.Background(), frame{N: 1}); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Send after Close = %v, want ErrNotOpen", err)
	}
}

func TestChannelCloseDuringUpgradeOnRawListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	ch := Open("ws://"+ln.Addr().String()+"/ws", JSON[frame], Handlers[frame]{})
	var server net.Conn
	select {
	case server = <-accepted:
		defer server.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("dial never reached the listener")
	}

	start := time.Now()
	ch.Close()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Close took %s with an unanswered upgrade", elapsed)
	}
	if ch.State() != StateClosed {
		t.Errorf("State = %s, want closed", ch.State())
	}
}

func TestJSONRejectsNonObjects(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantErr bool
	}{
		{"object", `{"n":7}`, false},
		{"empty object", `{}`, false},
		{"null", `null`, true},
		{"array", `[1,2]`, true},
		{"number", `42`, true},
		{"string", `"hi"`, true},
		{"garbage", `{{`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := JSON[frame]([]byte(tt.frame))
			if (err != nil) != tt.wantErr {
				t.Errorf("JSON(%s) err = %v, wantErr %v", tt.frame, err, tt.wantErr)
			}
		})
	}
}

func TestRequireKeys(t *testing.T) {
	decode := RequireKeys(JSON[frame], "n")
	if f, err := decode([]byte(`{"n":3}`)); err != nil || f.N != 3 {
		t.Fatalf("decode = %+v, %v", f, err)
	}
	for _, bad := range []string{`{}`, `{"type":"ping"}`, `{"n":null}`, `null`} {
		if _, err := decode([]byte(bad)); err == nil {
			t.Errorf("decode(%s) succeeded, want error", bad)
		}
	}
}

func TestChannelDropsFramesMissingKeys(t *testing.T) {
	release := make(chan struct{})
	url := wsServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"n":1}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`null`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"n":2}`))
		<-release
	})
	defer close(release)

	rec := &recorder{}
	ch := Open(url, RequireKeys(JSON[frame], "n"), rec.handlers())
	defer ch.Close()

	eventually(t, "two messages", func() bool {
		msgs, _ := rec.snapshot()
		return len(msgs) == 2
	})
	time.Sleep(20 * time.Millisecond)
	msgs, _ := rec.snapshot()
	if len(msgs) != 2 || msgs[0] != 1 || msgs[1] != 2 {
		t.Errorf("messages = %v, want [1 2]", msgs)
	}
}

func TestChannelOptionsReachHandshake(t *testing.T) {
	gotHeader := make(chan string, 1)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader <- r.Header.Get("X-Client")
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	var dials atomic.Int32
	d := &websocket.Dialer{
		HandshakeTimeout: time.Second,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dials.Add(1)
			return (&net.Dialer{}).DialContext(ctx, network, addr)
		},
	}
	ch := Open("ws"+strings.TrimPrefix(srv.URL, "http"), JSON[frame], Handlers[frame]{},
		WithDialer(d), WithHeader(http.Header{"X-Client": {"stampede"}}), WithName("opts"))
	defer ch.Close()

	eventually(t, "open", func() bool { return ch.State() == StateOpen })
	if got := <-gotHeader; got != "stampede" {
		t.Errorf("X-Client = %q", got)
	}
	if dials.Load() != 1 {
		t.Errorf("custom dialer used %d times, want 1", dials.Load())
	}
}
