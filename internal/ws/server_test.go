package ws

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wsgate/gateway/internal/config"
	"github.com/wsgate/gateway/internal/mock"
	"github.com/wsgate/gateway/internal/rdp"
	"github.com/wsgate/gateway/internal/session"
)

type testGateway struct {
	server *Server
	store  *session.Store
	engine *mock.Engine
	http   *httptest.Server
}

func newTestGateway(t *testing.T, mcfg mock.Config, mutate func(*config.Config)) *testGateway {
	t.Helper()
	cfg := config.Default()
	cfg.RDP.WorkerTick = config.Duration(time.Millisecond)
	if mutate != nil {
		mutate(cfg)
	}

	store := session.NewStore()
	eng := mock.New(mcfg)
	srv := NewServer(cfg, store, eng, zerolog.Nop())
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)
	hs := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.CloseAll()
		hs.Close()
	})
	return &testGateway{server: srv, store: store, engine: eng, http: hs}
}

func (g *testGateway) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(g.http.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func (g *testGateway) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(g.wsURL(query), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, typ MessageType, payload any) {
	t.Helper()
	msg := WSMessage{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		msg.Payload = raw
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("message type = %d, want text", kind)
	}
	return string(data)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestQueryConnectFailureReportsError(t *testing.T) {
	g := newTestGateway(t, mock.Config{ConnectResult: false}, nil)
	conn := g.dial(t, "host=desk.example&user=alice")

	if got := readText(t, conn); got != "E:Could not connect to RDP backend." {
		t.Fatalf("status = %q", got)
	}

	all := g.store.GetAll()
	if len(all) != 1 {
		t.Fatalf("store has %d sessions, want 1", len(all))
	}
	if all[0].Host != "desk.example" || all[0].Port != 3389 || all[0].User != "alice" {
		t.Errorf("stored session = %+v", all[0])
	}
	waitFor(t, "initial state", func() bool {
		info, _ := g.store.Get(all[0].ID)
		return info != nil && info.State == rdp.Initial
	})
}

func TestQueryConnectInvalidPort(t *testing.T) {
	g := newTestGateway(t, mock.Config{}, nil)
	conn := g.dial(t, "host=desk.example&port=abc")

	if got := readText(t, conn); !strings.HasPrefix(got, rdp.StatusErrorPrefix) || !strings.Contains(got, "abc") {
		t.Fatalf("status = %q", got)
	}
	if calls := g.engine.Calls(); calls.Connect != 0 {
		t.Errorf("engine Connect called %d times", calls.Connect)
	}
}

func TestConnectMessageAndInput(t *testing.T) {
	g := newTestGateway(t, mock.Config{ConnectResult: true}, nil)
	conn := g.dial(t, "")

	sendJSON(t, conn, MsgConnect, ConnectPayload{Host: "desk.example", Port: 3390, User: "bob", Domain: "CORP", Password: "pw"})
	waitFor(t, "connected", func() bool { return g.store.ConnectedCount() == 1 })

	inst := g.engine.LastInstance()
	if inst.Settings.Hostname != "desk.example" || inst.Settings.Port != 3390 || inst.Settings.Domain != "CORP" {
		t.Errorf("settings = %+v", inst.Settings)
	}

	sendJSON(t, conn, MsgSync, SyncPayload{Flags: 3})
	sendJSON(t, conn, MsgKey, KeyPayload{Flags: 1, Code: 0x1e})
	sendJSON(t, conn, MsgUnicode, KeyPayload{Code: 'é'})
	sendJSON(t, conn, MsgMouse, MousePayload{Flags: 0x1000, X: 10, Y: 20})
	sendJSON(t, conn, MsgExtendedMouse, MousePayload{Flags: 2, X: 5, Y: 6})

	waitFor(t, "input events", func() bool { return len(g.engine.Events()) == 5 })
	want := []mock.InputEvent{
		{Kind: "sync", Flags: 3},
		{Kind: "key", Flags: 1, Code: 0x1e},
		{Kind: "unicode", Code: 'é'},
		{Kind: "mouse", Flags: 0x1000, X: 10, Y: 20},
		{Kind: "emouse", Flags: 2, X: 5, Y: 6},
	}
	for i, ev := range g.engine.Events() {
		if ev != want[i] {
			t.Errorf("event[%d] = %+v, want %+v", i, ev, want[i])
		}
	}
}

func TestConnectWhileActiveRejected(t *testing.T) {
	g := newTestGateway(t, mock.Config{}, nil)
	release := g.engine.HoldConnect()
	defer release()
	conn := g.dial(t, "")

	sendJSON(t, conn, MsgConnect, ConnectPayload{Host: "a"})
	sendJSON(t, conn, MsgConnect, ConnectPayload{Host: "b"})

	if got := readText(t, conn); !strings.HasPrefix(got, rdp.StatusErrorPrefix) {
		t.Fatalf("status = %q", got)
	}
	all := g.store.GetAll()
	if len(all) != 1 || all[0].Host != "a" {
		t.Errorf("store = %+v", all)
	}
}

func TestInvalidMessages(t *testing.T) {
	g := newTestGateway(t, mock.Config{}, nil)
	conn := g.dial(t, "")

	tests := []struct {
		name string
		send func(t *testing.T)
		want string
	}{
		{
			name: "not json",
			send: func(t *testing.T) { conn.WriteMessage(websocket.TextMessage, []byte("{")) },
			want: "invalid message",
		},
		{
			name: "unknown type",
			send: func(t *testing.T) { sendJSON(t, conn, "resize", nil) },
			want: `unknown message type "resize"`,
		},
		{
			name: "missing host",
			send: func(t *testing.T) { sendJSON(t, conn, MsgConnect, ConnectPayload{}) },
			want: "missing host",
		},
		{
			name: "port out of range",
			send: func(t *testing.T) { sendJSON(t, conn, MsgConnect, ConnectPayload{Host: "h", Port: 70000}) },
			want: "invalid port 70000",
		},
		{
			name: "binary frame",
			send: func(t *testing.T) { conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2}) },
			want: "binary frames not supported",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.send(t)
			got := readText(t, conn)
			if !strings.HasPrefix(got, rdp.StatusErrorPrefix) || !strings.Contains(got, tt.want) {
				t.Errorf("status = %q, want E: containing %q", got, tt.want)
			}
		})
	}
}

func TestDisconnectMessageClosesSession(t *testing.T) {
	g := newTestGateway(t, mock.Config{ConnectResult: true}, nil)
	conn := g.dial(t, "host=desk.example")
	waitFor(t, "connected", func() bool { return g.store.ConnectedCount() == 1 })

	sendJSON(t, conn, MsgDisconnect, nil)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("read after disconnect: %v, want normal close", err)
	}
	waitFor(t, "session removed", func() bool {
		return g.store.Count() == 0 && g.server.SessionCount() == 0
	})

	calls := g.engine.Calls()
	if calls.Disconnect == 0 || calls.FreeInstance != 1 {
		t.Errorf("engine calls = %+v", calls)
	}
}

func TestClientGoneClosesSession(t *testing.T) {
	g := newTestGateway(t, mock.Config{ConnectResult: true}, nil)
	conn := g.dial(t, "host=desk.example")
	waitFor(t, "connected", func() bool { return g.store.ConnectedCount() == 1 })

	conn.Close()
	waitFor(t, "session removed", func() bool { return g.server.SessionCount() == 0 })
	if g.engine.Calls().FreeInstance != 1 {
		t.Error("engine instance not freed")
	}
}

func TestAuthToken(t *testing.T) {
	g := newTestGateway(t, mock.Config{}, func(c *config.Config) {
		c.Server.AuthToken = "secret"
	})

	_, resp, err := websocket.DefaultDialer.Dial(g.wsURL(""), nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %+v, want 401", resp)
	}

	g.dial(t, "token=secret")

	header := http.Header{}
	header.Set("Authorization", "Bearer secret")
	conn, _, err := websocket.DefaultDialer.Dial(g.wsURL(""), header)
	if err != nil {
		t.Fatalf("dial with bearer token: %v", err)
	}
	conn.Close()

	res, err := http.Get(g.http.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Errorf("/api/sessions status = %d, want 401", res.StatusCode)
	}
}

func TestMaxSessions(t *testing.T) {
	g := newTestGateway(t, mock.Config{}, func(c *config.Config) {
		c.Server.MaxSessions = 1
	})

	first := g.dial(t, "")
	waitFor(t, "first session", func() bool { return g.server.SessionCount() == 1 })

	_, resp, err := websocket.DefaultDialer.Dial(g.wsURL(""), nil)
	if err == nil {
		t.Fatal("second dial succeeded past the session limit")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp = %+v, want 503", resp)
	}

	sendJSON(t, first, MsgDisconnect, nil)
	waitFor(t, "slot freed", func() bool { return g.server.SessionCount() == 0 })
	g.dial(t, "")
}

func TestSessionsEndpoint(t *testing.T) {
	g := newTestGateway(t, mock.Config{ConnectResult: true}, nil)
	g.dial(t, "host=desk.example&user=carol")
	waitFor(t, "connected", func() bool { return g.store.ConnectedCount() == 1 })

	res, err := http.Get(g.http.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	var got []session.Info
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d sessions, want 1", len(got))
	}
	if got[0].State != rdp.Connected || got[0].User != "carol" || got[0].ConnectedAt == nil {
		t.Errorf("session = %+v", got[0])
	}
}

func TestHealthEndpoint(t *testing.T) {
	g := newTestGateway(t, mock.Config{}, nil)
	g.dial(t, "")
	waitFor(t, "session", func() bool { return g.store.Count() == 1 })

	res, err := http.Get(g.http.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	var got healthResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "ok" || got.Sessions != 1 || got.Connected != 0 {
		t.Errorf("health = %+v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	g := newTestGateway(t, mock.Config{}, nil)
	g.dial(t, "")
	waitFor(t, "session", func() bool { return g.server.SessionCount() == 1 })

	res, err := http.Get(g.http.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "wsgate_sessions_active") {
		t.Error("metrics output missing wsgate_sessions_active")
	}
}

func TestCheckOrigin(t *testing.T) {
	open := NewServer(config.Default(), session.NewStore(), mock.New(mock.Config{}), zerolog.Nop())

	restrictedCfg := config.Default()
	restrictedCfg.Server.AllowedOrigins = []string{"https://rdp.example.com", " "}
	restricted := NewServer(restrictedCfg, session.NewStore(), mock.New(mock.Config{}), zerolog.Nop())

	tests := []struct {
		name   string
		server *Server
		origin string
		host   string
		want   bool
	}{
		{"no origin", open, "", "gw:8080", true},
		{"same host", open, "http://gw:8080", "gw:8080", true},
		{"localhost", open, "http://localhost:3000", "gw:8080", true},
		{"loopback v4", open, "http://127.0.0.1", "gw:8080", true},
		{"loopback v6", open, "http://[::1]:5173", "gw:8080", true},
		{"foreign", open, "https://evil.example", "gw:8080", false},
		{"garbage", open, "::not a url", "gw:8080", false},
		{"allowed exact", restricted, "https://rdp.example.com", "gw:8080", true},
		{"allowed host other scheme", restricted, "http://rdp.example.com", "gw:8080", true},
		{"not in allow list", restricted, "http://localhost:3000", "gw:8080", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := tt.server.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}
