package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	parley "github.com/parleymq/parley-go"
	"github.com/parleymq/parley-go/auth"
	"github.com/parleymq/parley-go/contracts"
	"github.com/parleymq/parley-go/messaging"
)

// Server hosts messaging sessions behind an HTTP API. Each connected user
// maps to one live client session against the broker.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	authority *auth.JWTAuth
	users     *auth.UserStore
	registry  *prometheus.Registry
	stats     *promStats

	mu       sync.Mutex
	sessions map[string]*parley.Client
}

func NewServer(cfg Config, logger *slog.Logger) (*Server, error) {
	authority := auth.NewJWTAuth(cfg.Auth.JWTSecret,
		auth.WithTokenTTL(duration(cfg.Auth.TokenTTL, 24*time.Hour)))

	users := auth.NewUserStore()
	for _, u := range cfg.Users {
		role := u.Role
		if role == "" {
			role = "user"
		}
		if err := users.Register(u.Username, u.Password, role); err != nil {
			return nil, fmt.Errorf("seed user %s: %w", u.Username, err)
		}
	}

	registry := prometheus.NewRegistry()
	return &Server{
		cfg:       cfg,
		logger:    logger,
		authority: authority,
		users:     users,
		registry:  registry,
		stats:     newPromStats(registry),
		sessions:  make(map[string]*parley.Client),
	}, nil
}

// Run serves the HTTP API until ctx is canceled, then disconnects every
// hosted session and shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/connect", s.handleConnect)
	mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /api/send-message", s.handleSendMessage)
	mux.HandleFunc("POST /api/send-request", s.handleSendRequest)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{
		Addr:    s.cfg.HTTP.Listen,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", "addr", s.cfg.HTTP.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	grace := duration(s.cfg.HTTP.ShutdownTimeout, 10*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	s.disconnectAll(shutdownCtx)
	return httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) disconnectAll(ctx context.Context) {
	s.mu.Lock()
	sessions := make(map[string]*parley.Client, len(s.sessions))
	for username, client := range s.sessions {
		sessions[username] = client
	}
	s.sessions = make(map[string]*parley.Client)
	s.mu.Unlock()

	for username, client := range sessions {
		if err := client.Disconnect(ctx); err != nil {
			s.logger.Warn("session disconnect failed", "username", username, "error", err)
		}
	}
}

func (s *Server) session(username string) (*parley.Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	client, ok := s.sessions[username]
	return client, ok
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	role, err := s.users.Authenticate(req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, errors.New("invalid credentials"))
		return
	}

	token, err := s.authority.Issue(req.Username, role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"username": req.Username,
		"role":     role,
		"token":    token,
	})
}

type connectRequest struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	if _, live := s.sessions[req.Username]; live {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, fmt.Errorf("session for %s already connected", req.Username))
		return
	}
	s.mu.Unlock()

	client := parley.NewClient(s.cfg.Broker.URL, s.authority,
		parley.WithLogger(s.logger.With("username", req.Username)),
		parley.WithStats(s.stats),
		parley.WithBrokerCredentials(s.cfg.Broker.Username, s.cfg.Broker.Password),
		parley.WithMinSendInterval(duration(s.cfg.Client.MinSendInterval, 100*time.Millisecond)),
		parley.WithPingInterval(duration(s.cfg.Client.PingInterval, 30*time.Second)),
		parley.WithKeepAlive(duration(s.cfg.Client.KeepAlive, 60*time.Second)),
		parley.WithSessionExpiry(duration(s.cfg.Client.SessionExpiry, time.Hour)),
	)

	if err := client.Connect(r.Context(), req.Username, req.Token); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, contracts.ErrAuthenticationFailed) {
			status = http.StatusUnauthorized
		}
		writeError(w, status, err)
		return
	}

	s.mu.Lock()
	s.sessions[req.Username] = client
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"username": req.Username,
		"state":    client.State().String(),
	})
}

type disconnectRequest struct {
	Username string `json:"username"`
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	client, ok := s.sessions[req.Username]
	delete(s.sessions, req.Username)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no session for %s", req.Username))
		return
	}

	if err := client.Disconnect(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": req.Username, "state": "disconnected"})
}

type sendMessageRequest struct {
	Username string `json:"username"`
	To       string `json:"to,omitempty"`
	Room     string `json:"room,omitempty"`
	Message  string `json:"message"`
	QoS      *int   `json:"qos,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if (req.To == "") == (req.Room == "") {
		writeError(w, http.StatusBadRequest, errors.New("exactly one of to and room is required"))
		return
	}

	client, ok := s.session(req.Username)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no session for %s", req.Username))
		return
	}

	qos, err := qosLevel(req.QoS)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var messageID string
	if req.To != "" {
		messageID, err = client.SendDirect(r.Context(), req.To, req.Message, qos)
	} else {
		messageID, err = client.SendChat(r.Context(), req.Room, req.Message, qos)
	}
	if err != nil {
		writeError(w, sendStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"messageId": messageID})
}

type sendRequestRequest struct {
	Username string          `json:"username"`
	To       string          `json:"to"`
	Data     json.RawMessage `json:"data"`
	Timeout  string          `json:"timeout,omitempty"`
}

func (s *Server) handleSendRequest(w http.ResponseWriter, r *http.Request) {
	var req sendRequestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.To == "" {
		writeError(w, http.StatusBadRequest, errors.New("to is required"))
		return
	}

	client, ok := s.session(req.Username)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no session for %s", req.Username))
		return
	}

	timeout := 10 * time.Second
	if req.Timeout != "" {
		parsed, err := time.ParseDuration(req.Timeout)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("timeout: %w", err))
			return
		}
		timeout = parsed
	}

	resp, err := client.Request(r.Context(), req.To, req.Data, timeout)
	if err != nil {
		status := sendStatus(err)
		if errors.Is(err, contracts.ErrRequestTimeout) {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	type sessionInfo struct {
		Username string `json:"username"`
		State    string `json:"state"`
		Pending  int    `json:"pendingRequests"`
	}

	s.mu.Lock()
	infos := make([]sessionInfo, 0, len(s.sessions))
	for username, client := range s.sessions {
		infos = append(infos, sessionInfo{
			Username: username,
			State:    client.State().String(),
			Pending:  client.PendingRequests(),
		})
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"sessions": infos})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func qosLevel(qos *int) (messaging.QoSLevel, error) {
	if qos == nil {
		return messaging.QoSAtLeastOnce, nil
	}
	switch *qos {
	case 0:
		return messaging.QoSAtMostOnce, nil
	case 1:
		return messaging.QoSAtLeastOnce, nil
	case 2:
		return messaging.QoSExactlyOnce, nil
	default:
		return 0, fmt.Errorf("qos must be 0, 1 or 2, got %d", *qos)
	}
}

func sendStatus(err error) int {
	if errors.Is(err, contracts.ErrNotConnected) {
		return http.StatusConflict
	}
	return http.StatusBadGateway
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
