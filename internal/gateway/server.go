// Package gateway is the admin surface of the runtime: a small HTTP API over
// chat configurations, snapshots, and bundles, plus a WebSocket stream of
// runtime events fed from the in-process bus.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/hivebot/internal/bus"
	"github.com/nextlevelbuilder/hivebot/internal/config"
	"github.com/nextlevelbuilder/hivebot/internal/flowstate"
	"github.com/nextlevelbuilder/hivebot/internal/snapshot"
	"github.com/nextlevelbuilder/hivebot/internal/store"
	"github.com/nextlevelbuilder/hivebot/pkg/sdk"
)

// Server handles admin HTTP and WebSocket connections.
type Server struct {
	cfg     config.GatewayConfig
	events  bus.EventPublisher
	store   *store.Store
	builder *snapshot.Builder
	flows   *flowstate.Store
	version string

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter
	clients     map[string]*Client
	mu          sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates an admin gateway server.
func NewServer(cfg config.GatewayConfig, events bus.EventPublisher, st *store.Store, builder *snapshot.Builder, flows *flowstate.Store, version string) *Server {
	s := &Server{
		cfg:     cfg,
		events:  events,
		store:   st,
		builder: builder,
		flows:   flows,
		version: version,
		clients: make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.rateLimiter = NewRateLimiter(cfg.RateLimitRPM)
	return s
}

// checkOrigin validates the WebSocket Origin header against the configured
// whitelist. No configuration allows everything; an empty Origin header
// (CLI, SDK) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range s.cfg.AllowedOrigins {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("websocket origin rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered. Call
// before Start when the same routes must serve additional listeners
// (Tailscale).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("/ws", s.authed(s.handleWebSocket))

	mux.HandleFunc("GET /v1/chats", s.authed(s.handleListChats))
	mux.HandleFunc("GET /v1/chats/{id}/config", s.authed(s.handleGetConfig))
	mux.HandleFunc("PUT /v1/chats/{id}/config", s.authed(s.handleSetConfig))
	mux.HandleFunc("GET /v1/chats/{id}/snapshot", s.authed(s.handleGetSnapshot))
	mux.HandleFunc("POST /v1/chats/{id}/snapshot/rebuild", s.authed(s.handleRebuild))
	mux.HandleFunc("GET /v1/bundles", s.authed(s.handleListBundles))
	mux.HandleFunc("POST /v1/gc", s.authed(s.handleGC))
	mux.HandleFunc("GET /v1/flows", s.authed(s.handleFlows))

	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// authed wraps a handler with bearer-token auth and per-client rate
// limiting. An empty configured token disables auth (local dev).
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got == "" {
				// WS clients cannot always set headers; accept ?token=.
				got = r.URL.Query().Get("token")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
		}
		if !s.rateLimiter.Allow(clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       s.version,
		"schemaVersion": sdk.SchemaVersion,
	})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	configs, err := s.store.ListChatConfigs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type chat struct {
		ChatID     string `json:"chatId"`
		ConfigID   string `json:"configId"`
		ConfigHash string `json:"configHash"`
	}
	out := make([]chat, 0, len(configs))
	for _, c := range configs {
		out = append(out, chat{ChatID: c.ChatID, ConfigID: c.ConfigID, ConfigHash: c.ConfigHash})
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": out})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetChatConfig(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "chat has no configuration")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, rec.ConfigJSON)
}

// handleSetConfig installs a configuration document for a chat. The body is
// the canonical configuration JSON; its hash keys the snapshot cache.
func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")

	var doc snapshot.Document
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid configuration document: "+err.Error())
		return
	}
	canonical, err := json.Marshal(doc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	hash := snapshot.HashContent(string(canonical))
	if err := s.store.SetChatConfig(r.Context(), chatID, doc.ConfigID, string(canonical), hash); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chatId": chatID, "configHash": hash})
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.builder.Build(r.Context(), r.PathValue("id"), false)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	snap, err := s.builder.Build(r.Context(), r.PathValue("id"), true)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListBundles(w http.ResponseWriter, r *http.Request) {
	bundles, err := s.store.ListBundles(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type bundle struct {
		BundleHash string `json:"bundleHash"`
		ServiceID  string `json:"serviceId"`
		Version    string `json:"version"`
	}
	out := make([]bundle, 0, len(bundles))
	for _, b := range bundles {
		out = append(out, bundle{BundleHash: b.BundleHash, ServiceID: b.ServiceID, Version: b.Version})
	}
	writeJSON(w, http.StatusOK, map[string]any{"bundles": out})
}

func (s *Server) handleGC(w http.ResponseWriter, r *http.Request) {
	res, err := s.builder.GCOrphanBundles(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleFlows dumps the in-memory flow state, for diagnostics.
func (s *Server) handleFlows(w http.ResponseWriter, _ *http.Request) {
	type record struct {
		ChatID    string         `json:"chatId"`
		UserID    string         `json:"userId"`
		ServiceID string         `json:"serviceId"`
		Version   int            `json:"version"`
		Value     map[string]any `json:"value,omitempty"`
	}
	dump := s.flows.Dump()
	out := make([]record, 0, len(dump))
	for k, rec := range dump {
		out = append(out, record{
			ChatID: k.ChatID, UserID: k.UserID, ServiceID: k.ServiceID,
			Version: rec.Version, Value: rec.Value,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": out})
}

// handleWebSocket upgrades the connection and streams bus events until the
// client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.events.Subscribe(c.id, func(event bus.Event) {
		c.SendEvent(event)
	})
	slog.Info("gateway client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	s.events.Unsubscribe(c.id)
	slog.Info("gateway client disconnected", "id", c.id)
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
