// Package devtoolstest provides an in-process fake of a browser's
// remote-debugging endpoint for tests.
package devtoolstest

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/chromedp/cdproto"
	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
)

const browserPath = "/devtools/browser/6a1b9c3e-0d5f-4d8e-9b7a-2f4c1e0a9d11"

type Server struct {
	HTTP *httptest.Server
	Host string
	Port int

	product     string
	status      int
	body        string
	hang        bool
	getVersionE string

	mu         sync.Mutex
	versionHit int
	wsHit      int
}

type Option func(*Server)

// WithProduct sets the product string, e.g. "Chrome/120.0".
func WithProduct(product string) Option {
	return func(s *Server) { s.product = product }
}

// WithVersionResponse replaces the /json/version response.
func WithVersionResponse(status int, body string) Option {
	return func(s *Server) {
		s.status = status
		s.body = body
	}
}

// WithHang makes /json/version block until the client gives up.
func WithHang() Option {
	return func(s *Server) { s.hang = true }
}

// WithGetVersionError answers Browser.getVersion with a protocol error.
func WithGetVersionError(msg string) Option {
	return func(s *Server) { s.getVersionE = msg }
}

// NewServer starts the fake endpoint and stops it when t finishes.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := &Server{product: "Chrome/120.0"}
	for _, o := range opts {
		o(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", s.handleVersion)
	mux.HandleFunc(browserPath, s.handleWS)
	s.HTTP = httptest.NewServer(mux)
	t.Cleanup(s.HTTP.Close)

	host, port, err := net.SplitHostPort(s.HTTP.Listener.Addr().String())
	if err != nil {
		t.Fatalf("devtoolstest: %v", err)
	}
	s.Host = host
	s.Port, _ = strconv.Atoi(port)
	return s
}

// VersionHits returns how many times /json/version was requested.
func (s *Server) VersionHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versionHit
}

// WebSocketHits returns how many browser WebSocket sessions were opened.
func (s *Server) WebSocketHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wsHit
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.versionHit++
	s.mu.Unlock()

	if s.hang {
		<-r.Context().Done()
		return
	}
	if s.status != 0 {
		w.WriteHeader(s.status)
		fmt.Fprint(w, s.body)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{
  "Browser": %q,
  "Protocol-Version": "1.3",
  "User-Agent": "Mozilla/5.0 (X11; Linux x86_64) %s",
  "V8-Version": "12.0.267.8",
  "WebKit-Version": "537.36",
  "webSocketDebuggerUrl": "ws://localhost:1%s"
}`, s.product, s.product, browserPath)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.wsHit++
	s.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg cdproto.Message
		if err := easyjson.Unmarshal(data, &msg); err != nil {
			return
		}

		reply := cdproto.Message{ID: msg.ID}
		switch {
		case string(msg.Method) == cdpbrowser.CommandGetVersion && s.getVersionE == "":
			reply.Result = easyjson.RawMessage(fmt.Sprintf(
				`{"protocolVersion":"1.3","product":%q,"revision":"@abc","userAgent":"Mozilla/5.0 %s","jsVersion":"12.0.267.8"}`,
				s.product, s.product))
		case string(msg.Method) == cdpbrowser.CommandGetVersion:
			reply.Error = &cdproto.Error{Code: -32000, Message: s.getVersionE}
		default:
			reply.Error = &cdproto.Error{Code: -32601, Message: fmt.Sprintf("'%s' wasn't found", msg.Method)}
		}

		// An unsolicited event first, to make sure clients skip it.
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"method":"Target.targetCreated","params":{}}`))
		out, err := easyjson.Marshal(&reply)
		if err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
			return
		}
	}
}
