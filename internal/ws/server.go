// Package ws exposes the session controller over HTTP and pushes state
// changes to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/richpresence/browserd/internal/browser"
	"github.com/richpresence/browserd/internal/config"
	"github.com/richpresence/browserd/internal/logging"
	"github.com/richpresence/browserd/internal/metrics"
	"github.com/richpresence/browserd/internal/session"
)

const (
	// TokenHeader carries the API token as an alternative to a bearer token.
	TokenHeader = "X-Browserd-Token"

	maxBodyBytes = 64 << 10
	maxReadBytes = 4 << 10
)

type Server struct {
	ctrl           *session.Controller
	broadcaster    *Broadcaster
	defaults       config.BrowserConfig
	metrics        *metrics.Recorder
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	log            logrus.FieldLogger
}

func NewServer(cfg *config.Config, ctrl *session.Controller, broadcaster *Broadcaster, rec *metrics.Recorder, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logging.Discard()
	}
	s := &Server{
		ctrl:           ctrl,
		broadcaster:    broadcaster,
		defaults:       cfg.Browser,
		metrics:        rec,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.Server.AuthToken,
		log:            log.WithField("component", "http"),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("GET /api/browsers", s.guard(s.handleBrowsers))
	mux.HandleFunc("POST /api/browsers/refresh", s.guard(s.handleRefreshBrowsers))
	mux.HandleFunc("GET /api/session", s.guard(s.handleSession))
	mux.HandleFunc("POST /api/session/launch", s.guard(s.handleLaunch))
	mux.HandleFunc("POST /api/session/close", s.guard(s.handleClose))
	mux.HandleFunc("POST /api/session/refresh", s.guard(s.handleRefreshSession))
	mux.Handle("GET /metrics", s.metrics.Handler())
}

// Handler returns the full route table wrapped in the common headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("ws upgrade error")
		return
	}

	log := s.log.WithField("remote", r.RemoteAddr)
	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		log.WithError(err).Warn("rejecting WebSocket client")
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(WSMessage{Type: MsgError, Payload: ErrorPayload{Kind: "too_many_connections", Message: err.Error()}})
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}
	log.Info("WebSocket client connected")

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			log.Info("WebSocket client disconnected")
		}()
		conn.SetReadLimit(maxReadBytes)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleBrowsers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.ListInstalledBrowsers())
}

func (s *Server) handleRefreshBrowsers(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.RefreshInstalledBrowsers(r.Context()); err != nil {
		s.writeFailure(w, err)
		return
	}
	list := s.ctrl.ListInstalledBrowsers()
	s.broadcaster.PublishBrowsers(list)
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Current())
}

type launchBody struct {
	session.LaunchRequest
	DryRun bool `json:"dryRun"`
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var body launchBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, session.InvalidRequest.String(), fmt.Sprintf("decoding request: %v", err))
		return
	}
	req := s.withDefaults(body.LaunchRequest)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, session.InvalidRequest.String(), "name is required")
		return
	}

	if body.DryRun {
		plan, err := s.ctrl.Plan(req)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
		return
	}

	// A dropped HTTP client must not abandon a half-started browser.
	if err := s.ctrl.Launch(context.WithoutCancel(r.Context()), req); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Current())
}

func (s *Server) withDefaults(req session.LaunchRequest) session.LaunchRequest {
	if req.Profile == "" {
		req.Profile = s.defaults.DefaultProfile
	}
	if req.DebugPort == 0 {
		req.DebugPort = s.defaults.DebugPort
	}
	if req.HostFilter == "" {
		req.HostFilter = s.defaults.AllowOrigins
	}
	return req
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, session.InvalidRequest.String(), fmt.Sprintf("force: %v", err))
			return
		}
		force = b
	}

	ctx := context.WithoutCancel(r.Context())
	var err error
	if force {
		err = s.ctrl.ForceClose(ctx)
	} else {
		err = s.ctrl.Close(ctx)
	}
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Current())
}

func (s *Server) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Refresh(r.Context()); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Current())
}

// writeFailure maps controller errors onto HTTP statuses.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status, kind := http.StatusInternalServerError, "internal"

	var (
		lerr *session.LaunchError
		cerr *session.CloseError
		derr *browser.DiscoveryError
	)
	switch {
	case errors.As(err, &lerr):
		kind = lerr.Kind.String()
		switch lerr.Kind {
		case session.NotFound:
			status = http.StatusNotFound
		case session.AlreadyActive, session.Canceled:
			status = http.StatusConflict
		case session.InvalidRequest:
			status = http.StatusBadRequest
		case session.SpawnFailed:
			status = http.StatusBadGateway
		case session.AttachTimeout:
			status = http.StatusGatewayTimeout
		}
	case errors.As(err, &cerr):
		kind = cerr.Kind.String()
	case errors.As(err, &derr):
		kind = "discovery"
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		s.log.WithError(err).Warn("request failed")
	}
	writeError(w, status, kind, err.Error())
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, ErrorPayload{Kind: kind, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get(TokenHeader) == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}

	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// ListenAndServe serves handler until ctx is done, then shuts down,
// giving in-flight requests up to five seconds.
func ListenAndServe(ctx context.Context, host string, port int, handler http.Handler, log logrus.FieldLogger) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
