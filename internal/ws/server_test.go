package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/afero"

	"github.com/richpresence/browserd/internal/browser"
	"github.com/richpresence/browserd/internal/config"
	"github.com/richpresence/browserd/internal/logging"
	"github.com/richpresence/browserd/internal/metrics"
	"github.com/richpresence/browserd/internal/mock"
	"github.com/richpresence/browserd/internal/process"
	"github.com/richpresence/browserd/internal/session"
)

const (
	chromePath = "/usr/bin/google-chrome"
	testToken  = "s3cret"
)

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

func newTestServer(origins []string, token string) *Server {
	cfg := config.Default()
	cfg.Server.AllowedOrigins = origins
	cfg.Server.AuthToken = token
	return NewServer(cfg, nil, nil, nil, nil)
}

func TestAuthorize(t *testing.T) {
	s := newTestServer(nil, testToken)

	tests := []struct {
		name   string
		mutate func(*http.Request)
		want   bool
	}{
		{"none", func(*http.Request) {}, false},
		{"query", func(r *http.Request) { r.URL.RawQuery = "token=" + testToken }, true},
		{"header", func(r *http.Request) { r.Header.Set(TokenHeader, testToken) }, true},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+testToken) }, true},
		{"wrong bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, false},
		{"basic", func(r *http.Request) { r.Header.Set("Authorization", "Basic "+testToken) }, false},
		{"wrong header", func(r *http.Request) { r.Header.Set(TokenHeader, "nope") }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
			tt.mutate(req)
			if got := s.authorize(req); got != tt.want {
				t.Errorf("authorize() = %v, want %v", got, tt.want)
			}
		})
	}

	open := newTestServer(nil, "")
	if !open.authorize(httptest.NewRequest(http.MethodGet, "/api/session", nil)) {
		t.Error("authorize() without a configured token should allow everything")
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin", nil, "", "example.com", true},
		{"same host", nil, "http://example.com:8080", "example.com:8080", true},
		{"localhost", nil, "http://localhost:1420", "127.0.0.1:8080", true},
		{"loopback v4", nil, "http://127.0.0.1:3000", "127.0.0.1:8080", true},
		{"loopback v6", nil, "http://[::1]:3000", "127.0.0.1:8080", true},
		{"foreign", nil, "https://evil.example", "127.0.0.1:8080", false},
		{"malformed", nil, "://", "127.0.0.1:8080", false},
		{"allowed exact", []string{"tauri://localhost"}, "tauri://localhost", "127.0.0.1:8080", true},
		{"allowed host other scheme", []string{"http://app.local:1420"}, "https://app.local:1420", "127.0.0.1:8080", true},
		{"allowlist excludes localhost", []string{"http://app.local"}, "http://localhost:1420", "127.0.0.1:8080", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(tt.allowed, "")
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

type apiHarness struct {
	srv  *httptest.Server
	ctrl *session.Controller
	host *mock.Host
	b    *Broadcaster
}

func newAPI(t *testing.T, token string) *apiHarness {
	t.Helper()

	host := mock.NewHost()
	reg := browser.NewRegistry(host, logging.Discard())
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("registry refresh: %v", err)
	}

	cfg := config.Default()
	cfg.Server.AuthToken = token
	cfg.Server.MaxClients = 4
	rec := metrics.New()

	opts := session.DefaultOptions(cfg)
	opts.Inventory = reg
	opts.Processes = host
	opts.Profiles = process.NewProfileDirs(afero.NewMemMapFs(), "/profiles")
	opts.Endpoint = host
	opts.Metrics = rec
	opts.Retry = session.RetryPolicy{
		Timeout:         300 * time.Millisecond,
		AttemptTimeout:  100 * time.Millisecond,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Multiplier:      1.5,
	}
	opts.Close = session.ClosePolicy{
		GracePeriod:  100 * time.Millisecond,
		ForceGrace:   100 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}
	ctrl := session.NewController(opts)

	b := NewBroadcaster(ctrl, time.Hour, cfg.Server.MaxClients, rec, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := b.Start(ctx)

	srv := httptest.NewServer(NewServer(cfg, ctrl, b, rec, nil).Handler())
	t.Cleanup(func() {
		_ = ctrl.ForceClose(context.Background())
		cancel()
		<-done
		srv.Close()
	})
	return &apiHarness{srv: srv, ctrl: ctrl, host: host, b: b}
}

func (a *apiHarness) do(t *testing.T, method, path, body string, header ...string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := a.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return v
}

func expectError(t *testing.T, resp *http.Response, data []byte, status int, kind string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, status, data)
	}
	if got := decode[ErrorPayload](t, data); got.Kind != kind {
		t.Errorf("error kind = %q, want %q (message %q)", got.Kind, kind, got.Message)
	}
}

func TestAPI_ListBrowsers(t *testing.T) {
	a := newAPI(t, "")

	resp, data := a.do(t, http.MethodGet, "/api/browsers", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if resp.Header.Get("X-Frame-Options") != "DENY" {
		t.Error("security headers missing")
	}
	list := decode[[]browser.Descriptor](t, data)
	if len(list) != len(mock.DefaultBrowsers) {
		t.Fatalf("got %d browsers, want %d", len(list), len(mock.DefaultBrowsers))
	}
	if list[0].Name != "Chrome" || list[0].ExecutablePath != chromePath {
		t.Errorf("first browser = %+v", list[0])
	}
}

func TestAPI_LaunchAndClose(t *testing.T) {
	a := newAPI(t, "")

	resp, data := a.do(t, http.MethodPost, "/api/session/launch", `{"name":"Chrome"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("launch status = %d (body %s)", resp.StatusCode, data)
	}
	st := decode[session.State](t, data)
	if st.Phase != session.Connected {
		t.Fatalf("phase = %s, want connected", st.Phase)
	}
	if st.DebugPort != config.DefaultDebugPort {
		t.Errorf("debug port = %d, want default %d", st.DebugPort, config.DefaultDebugPort)
	}
	if st.Browser == nil || st.Browser.Name != "Chrome" {
		t.Errorf("browser = %+v", st.Browser)
	}

	procs := a.host.Procs()
	if len(procs) != 1 {
		t.Fatalf("spawned %d processes, want 1", len(procs))
	}
	args := strings.Join(procs[0].Args, " ")
	for _, want := range []string{"--remote-debugging-port=4969", "--remote-allow-origins=*", "/profiles/Test-"} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}

	resp, data = a.do(t, http.MethodGet, "/api/session", "")
	if got := decode[session.State](t, data); resp.StatusCode != http.StatusOK || got.Phase != session.Connected {
		t.Fatalf("GET /api/session = %d %s", resp.StatusCode, data)
	}

	resp, data = a.do(t, http.MethodPost, "/api/session/launch", `{"name":"Firefox"}`)
	expectError(t, resp, data, http.StatusConflict, "already_active")

	resp, data = a.do(t, http.MethodPost, "/api/session/close", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("close status = %d (body %s)", resp.StatusCode, data)
	}
	if got := decode[session.State](t, data); got.Phase != session.Idle {
		t.Errorf("phase after close = %s, want idle", got.Phase)
	}
	if a.host.Alive() != 0 {
		t.Errorf("%d processes still alive", a.host.Alive())
	}
}

func TestAPI_LaunchRejections(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		kind   string
	}{
		{"unknown browser", `{"name":"Netscape"}`, http.StatusNotFound, "not_found"},
		{"privileged port", `{"name":"Chrome","debugPort":80}`, http.StatusBadRequest, "invalid_request"},
		{"missing name", `{"profile":"dev"}`, http.StatusBadRequest, "invalid_request"},
		{"malformed json", `{"name":`, http.StatusBadRequest, "invalid_request"},
		{"unknown field", `{"name":"Chrome","colour":"blue"}`, http.StatusBadRequest, "invalid_request"},
	}
	a := newAPI(t, "")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := a.do(t, http.MethodPost, "/api/session/launch", tt.body)
			expectError(t, resp, data, tt.status, tt.kind)
		})
	}
	if a.host.Spawns() != 0 {
		t.Errorf("rejected launches spawned %d processes", a.host.Spawns())
	}
}

func TestAPI_LaunchDryRun(t *testing.T) {
	a := newAPI(t, "")

	resp, data := a.do(t, http.MethodPost, "/api/session/launch",
		`{"name":"Firefox","profile":"dev","debugPort":9333,"dryRun":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, data)
	}
	plan := decode[session.LaunchPlan](t, data)
	if plan.Path != "/usr/bin/firefox" {
		t.Errorf("path = %q", plan.Path)
	}
	args := strings.Join(plan.Args, " ")
	if !strings.Contains(args, "--remote-debugging-port 9333") || !strings.Contains(args, "-profile /profiles/dev-") {
		t.Errorf("args = %q", args)
	}
	if a.host.Spawns() != 0 {
		t.Error("dry run spawned a process")
	}
	if a.ctrl.Current().Phase != session.Idle {
		t.Error("dry run changed the session")
	}
}

func TestAPI_AttachTimeout(t *testing.T) {
	a := newAPI(t, "")
	a.host.SetBehavior(chromePath, mock.NeverListens)

	resp, data := a.do(t, http.MethodPost, "/api/session/launch", `{"name":"Chrome"}`)
	expectError(t, resp, data, http.StatusGatewayTimeout, "attach_timeout")

	st := a.ctrl.Current()
	if st.Phase != session.Idle || st.OrphanPID == 0 {
		t.Fatalf("state after timeout = %+v, want idle with orphan", st)
	}

	resp, data = a.do(t, http.MethodPost, "/api/session/close", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("close status = %d (body %s)", resp.StatusCode, data)
	}
	if a.host.Alive() != 0 {
		t.Error("orphan survived close")
	}
}

func TestAPI_CloseVariants(t *testing.T) {
	a := newAPI(t, "")

	resp, data := a.do(t, http.MethodPost, "/api/session/close?force=maybe", "")
	expectError(t, resp, data, http.StatusBadRequest, "invalid_request")

	// Idle close is a no-op.
	resp, _ = a.do(t, http.MethodPost, "/api/session/close", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("idle close status = %d", resp.StatusCode)
	}

	a.host.SetBehavior(chromePath, mock.IgnoresTerm)
	if resp, data = a.do(t, http.MethodPost, "/api/session/launch", `{"name":"Chrome"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("launch status = %d (body %s)", resp.StatusCode, data)
	}
	resp, data = a.do(t, http.MethodPost, "/api/session/close?force=true", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("force close status = %d (body %s)", resp.StatusCode, data)
	}
	procs := a.host.Procs()
	if procs[0].Terms != 0 || procs[0].Kills != 1 {
		t.Errorf("force close sent %d terms and %d kills", procs[0].Terms, procs[0].Kills)
	}

	if resp, data = a.do(t, http.MethodPost, "/api/session/launch", `{"name":"Chrome"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("relaunch status = %d (body %s)", resp.StatusCode, data)
	}
	resp, data = a.do(t, http.MethodPost, "/api/session/close", "")
	expectError(t, resp, data, http.StatusInternalServerError, "forced_termination")
	if a.ctrl.Current().Phase != session.Idle {
		t.Errorf("phase after forced termination = %s", a.ctrl.Current().Phase)
	}
}

func TestAPI_CloseUnresponsive(t *testing.T) {
	a := newAPI(t, "")
	a.host.SetBehavior(chromePath, mock.Unkillable)

	if resp, data := a.do(t, http.MethodPost, "/api/session/launch", `{"name":"Chrome"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("launch status = %d (body %s)", resp.StatusCode, data)
	}
	resp, data := a.do(t, http.MethodPost, "/api/session/close", "")
	expectError(t, resp, data, http.StatusInternalServerError, "process_unresponsive")
	if a.ctrl.Current().Phase != session.Closing {
		t.Errorf("phase = %s, want closing", a.ctrl.Current().Phase)
	}
}

func TestAPI_RefreshBrowsers(t *testing.T) {
	a := newAPI(t, "")
	a.host.SetInventory(mock.DefaultBrowsers[:1])

	resp, data := a.do(t, http.MethodPost, "/api/browsers/refresh", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, data)
	}
	if list := decode[[]browser.Descriptor](t, data); len(list) != 1 || list[0].Name != "Chrome" {
		t.Errorf("inventory = %+v", list)
	}

	a.host.SetScanError(errors.New("registry unavailable"))
	resp, data = a.do(t, http.MethodPost, "/api/browsers/refresh", "")
	expectError(t, resp, data, http.StatusBadGateway, "discovery")

	// The previous inventory is kept.
	if got := a.ctrl.ListInstalledBrowsers(); len(got) != 1 {
		t.Errorf("inventory after failed refresh = %+v", got)
	}
}

func TestAPI_RefreshSession(t *testing.T) {
	a := newAPI(t, "")

	if resp, data := a.do(t, http.MethodPost, "/api/session/launch", `{"name":"Chrome"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("launch status = %d (body %s)", resp.StatusCode, data)
	}
	a.host.Exit(a.ctrl.Current().PID)

	resp, data := a.do(t, http.MethodPost, "/api/session/refresh", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d (body %s)", resp.StatusCode, data)
	}
	if st := decode[session.State](t, data); st.Phase != session.Idle {
		t.Errorf("phase = %s, want idle", st.Phase)
	}
}

func TestAPI_Auth(t *testing.T) {
	a := newAPI(t, testToken)

	resp, data := a.do(t, http.MethodGet, "/api/browsers", "")
	expectError(t, resp, data, http.StatusUnauthorized, "unauthorized")

	resp, _ = a.do(t, http.MethodGet, "/api/browsers", "", TokenHeader, testToken)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with token: status = %d", resp.StatusCode)
	}

	resp, data = a.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), "browserd_session_state") {
		t.Errorf("metrics: status = %d", resp.StatusCode)
	}
}

func TestAPI_MethodNotAllowed(t *testing.T) {
	a := newAPI(t, "")
	resp, _ := a.do(t, http.MethodGet, "/api/session/launch", "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func wsURL(a *apiHarness, query string) string {
	return "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/ws" + query
}

func TestWS_PushesSessionEvents(t *testing.T) {
	a := newAPI(t, testToken)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(a, "?token="+testToken), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if msg := readMessage(t, conn); msg.Type != MsgSnapshot {
		t.Fatalf("first message type = %q, want snapshot", msg.Type)
	}
	waitFor(t, "client registration", func() bool { return a.b.ClientCount() == 1 })

	launched := make(chan error, 1)
	go func() { launched <- a.ctrl.Launch(context.Background(), session.LaunchRequest{Name: "Chrome", Profile: "Test", DebugPort: 4969}) }()

	var phases []session.Phase
	for len(phases) == 0 || phases[len(phases)-1] != session.Connected {
		msg := readMessage(t, conn)
		if msg.Type != MsgSession {
			continue
		}
		ev := decode[session.Event](t, msg.Payload)
		phases = append(phases, ev.State.Phase)
	}
	if err := <-launched; err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if len(phases) != 2 || phases[0] != session.Launching {
		t.Errorf("phases = %v, want [launching connected]", phases)
	}
}

func TestWS_Rejections(t *testing.T) {
	a := newAPI(t, testToken)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(a, ""), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("dial without token: err=%v resp=%v", err, resp)
	}

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(a, "?token="+testToken), header)
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("dial from foreign origin: err=%v resp=%v", err, resp)
	}
}

func TestWS_TooManyClients(t *testing.T) {
	a := newAPI(t, testToken)

	for i := 0; i < 4; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(a, "?token="+testToken), nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		defer conn.Close()
		readMessage(t, conn)
	}
	waitFor(t, "four clients", func() bool { return a.b.ClientCount() == 4 })

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(a, "?token="+testToken), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msg := readMessage(t, conn)
	if msg.Type != MsgError {
		t.Fatalf("message type = %q, want error", msg.Type)
	}
	if got := decode[ErrorPayload](t, msg.Payload); got.Kind != "too_many_connections" {
		t.Errorf("error kind = %q, want too_many_connections", got.Kind)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Errorf("read after rejection: %v, want close %d", err, websocket.CloseTryAgainLater)
	}
	if n := a.b.ClientCount(); n != 4 {
		t.Errorf("ClientCount() = %d, want 4", n)
	}
}
