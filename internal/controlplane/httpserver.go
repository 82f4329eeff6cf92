package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/ldm7/fmtp/internal/fmtp/fmtperr"
	"github.com/ldm7/fmtp/pkg/middleware"
	"github.com/ldm7/fmtp/pkg/observability"
)

// HTTPConfig configures the control plane's HTTP admin surface.
type HTTPConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	EnableCORS      bool          `json:"enable_cors"`
	RateLimitPerSec float64       `json:"rate_limit_per_sec"`
	RateLimitBurst  int           `json:"rate_limit_burst"`
}

func (c *HTTPConfig) setDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8090
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.RateLimitPerSec == 0 {
		c.RateLimitPerSec = 50
	}
	if c.RateLimitBurst == 0 {
		c.RateLimitBurst = 100
	}
}

// event is a lease/admit notification broadcast over a feed's event stream.
type event struct {
	Type      string    `json:"type"`
	Feed      uint32    `json:"feed"`
	Key       string    `json:"key"`
	IP        string    `json:"ip,omitempty"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Server is the control plane's HTTP admin API: CRUD over subscriber
// registrations and leases, plus a per-feed WebSocket event stream.
//
// Grounded on api/router.go's mux/cors/websocket wiring, and
// internal/realtime/market_data_service.go's Subscribe/distribute pattern
// for the broadcast hub.
type Server struct {
	cp     *ControlPlane
	cfg    HTTPConfig
	logger *observability.Logger
	router *mux.Router
	server *http.Server

	upgrader websocket.Upgrader

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	subMu       sync.Mutex
	subscribers map[uint32]map[*websocket.Conn]bool

	health *observability.HealthChecker
}

// NewServer constructs a control-plane HTTP admin server.
func NewServer(cp *ControlPlane, cfg HTTPConfig, logger *observability.Logger) *Server {
	cfg.setDefaults()
	health := observability.NewHealthChecker(logger)
	s := &Server{
		cp:     cp,
		cfg:    cfg,
		logger: logger,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiters:    make(map[string]*rate.Limiter),
		subscribers: make(map[uint32]map[*websocket.Conn]bool),
		health:      health,
	}
	s.setupRoutes()
	return s
}

// RegisterHealthCheck adds a named dependency check (e.g. the Postgres
// store) to the /health endpoint.
func (s *Server) RegisterHealthCheck(name string, check observability.HealthCheck) {
	s.health.RegisterCheck(name, check)
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/v1/feeds/{feed}/subscribers/{key}", s.withRateLimit(s.handleAdd)).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/feeds/{feed}/subscribers/{key}", s.withRateLimit(s.handleGet)).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/feeds/{feed}/subscribers/{key}/port", s.withRateLimit(s.handleSetPort)).Methods(http.MethodPut)
	s.router.HandleFunc("/v1/feeds/{feed}/subscribers/{key}/lease", s.withRateLimit(s.handleReserve)).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/feeds/{feed}/subscribers/{key}/lease/{ip}", s.withRateLimit(s.handleRelease)).Methods(http.MethodDelete)
	s.router.HandleFunc("/v1/feeds/{feed}/events", s.handleEvents).Methods(http.MethodGet)

	healthSrv := observability.NewHealthServer(s.health, observability.ServiceInfo{Name: "controlplaned"}, s.logger)
	healthSrv.RegisterRoutes(s.router)
}

// Start begins serving the admin API. It does not block.
func (s *Server) Start(ctx context.Context) error {
	var handler http.Handler = s.router
	if s.cfg.EnableCORS {
		handler = cors.New(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
			AllowedHeaders: []string{"*"},
		}).Handler(s.router)
	}
	handler = middleware.Tracing("controlplaned")(handler)
	handler = middleware.Logging(s.logger)(handler)
	handler = middleware.Recovery(s.logger)(handler)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error(ctx, "control plane HTTP server error", err)
		}
	}()
	s.logger.Info(ctx, "control plane HTTP server started", map[string]interface{}{"address": s.server.Addr})
	return nil
}

// Stop gracefully shuts down the admin API and closes open event streams.
func (s *Server) Stop(ctx context.Context) error {
	s.subMu.Lock()
	for feed, conns := range s.subscribers {
		for conn := range conns {
			conn.Close()
		}
		delete(s.subscribers, feed)
	}
	s.subMu.Unlock()

	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.allow(clientKey(r)) {
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (s *Server) allow(key string) bool {
	s.limMu.Lock()
	defer s.limMu.Unlock()
	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.cfg.RateLimitPerSec), s.cfg.RateLimitBurst)
		s.limiters[key] = lim
	}
	return lim.Allow()
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeErr(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if fmtperr.Is(err, fmtperr.NOENT) {
		status = http.StatusNotFound
	} else if fmtperr.Is(err, fmtperr.DUP) {
		status = http.StatusConflict
	} else if fmtperr.Is(err, fmtperr.INVAL) {
		status = http.StatusBadRequest
	} else if fmtperr.Is(err, fmtperr.BUSY) {
		status = http.StatusServiceUnavailable
	}
	observability.RecordError(ctx, err)
	observability.SetSpanStatus(ctx, codes.Error, err.Error())
	s.writeError(w, status, err.Error())
}

func parseFeed(r *http.Request) (uint32, error) {
	v := mux.Vars(r)["feed"]
	feed, err := strconv.ParseUint(v, 0, 32)
	if err != nil {
		return 0, fmtperr.Wrap(fmtperr.INVAL, err, "bad feed id %q", v)
	}
	return uint32(feed), nil
}

type addRequest struct {
	ServerAddr   string `json:"server_addr"`
	VlanID       uint32 `json:"vlan_id"`
	SwitchPortID string `json:"switch_port_id"`
	MinClient    string `json:"min_client"`
	MaxClient    string `json:"max_client"`
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	feed, err := parseFeed(r)
	if err != nil {
		s.writeErr(r.Context(), w, err)
		return
	}
	key := mux.Vars(r)["key"]

	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	minClient := net.ParseIP(req.MinClient)
	maxClient := net.ParseIP(req.MaxClient)
	if minClient == nil || maxClient == nil {
		s.writeError(w, http.StatusBadRequest, "min_client/max_client must be valid IPv4 addresses")
		return
	}

	rec := Record{
		Key:          key,
		ServerAddr:   req.ServerAddr,
		VlanID:       req.VlanID,
		SwitchPortID: req.SwitchPortID,
		MinClient:    minClient,
		MaxClient:    maxClient,
	}
	if err := s.cp.Add(r.Context(), feed, rec); err != nil {
		s.writeErr(r.Context(), w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	feed, err := parseFeed(r)
	if err != nil {
		s.writeErr(r.Context(), w, err)
		return
	}
	key := mux.Vars(r)["key"]

	rec, err := s.cp.Get(r.Context(), feed, key)
	if err != nil {
		s.writeErr(r.Context(), w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

type portRequest struct {
	Port int `json:"port"`
}

func (s *Server) handleSetPort(w http.ResponseWriter, r *http.Request) {
	feed, err := parseFeed(r)
	if err != nil {
		s.writeErr(r.Context(), w, err)
		return
	}
	key := mux.Vars(r)["key"]

	var req portRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.cp.Set(r.Context(), feed, key, req.Port); err != nil {
		s.writeErr(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	feed, err := parseFeed(r)
	if err != nil {
		s.writeErr(r.Context(), w, err)
		return
	}
	key := mux.Vars(r)["key"]

	observability.AddSpanAttributes(r.Context(),
		attribute.Int64("fmtp.feed", int64(feed)),
		attribute.String("fmtp.subscriber_key", key),
	)

	ip, err := s.cp.Reserve(r.Context(), feed, key)
	if err != nil {
		s.writeErr(r.Context(), w, err)
		return
	}
	// Correlates this HTTP response with the WebSocket broadcast event it
	// triggers and with the Authorization Channel write that admitted ip,
	// so an operator can trace one lease across all three.
	reqID := uuid.NewString()
	observability.AddSpanAttributes(r.Context(), attribute.String("fmtp.ip", ip.String()), attribute.String("fmtp.request_id", reqID))
	s.broadcast(feed, event{Type: "lease", Feed: feed, Key: key, IP: ip.String(), RequestID: reqID, Timestamp: time.Now()})
	s.writeJSON(w, http.StatusOK, map[string]string{"ip": ip.String(), "request_id": reqID})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	feed, err := parseFeed(r)
	if err != nil {
		s.writeErr(r.Context(), w, err)
		return
	}
	key := mux.Vars(r)["key"]
	ip := net.ParseIP(mux.Vars(r)["ip"])
	if ip == nil {
		s.writeError(w, http.StatusBadRequest, "ip must be a valid IPv4 address")
		return
	}

	observability.AddSpanAttributes(r.Context(),
		attribute.Int64("fmtp.feed", int64(feed)),
		attribute.String("fmtp.subscriber_key", key),
		attribute.String("fmtp.ip", ip.String()),
	)

	if err := s.cp.Release(r.Context(), feed, key, ip); err != nil {
		s.writeErr(r.Context(), w, err)
		return
	}
	s.broadcast(feed, event{Type: "release", Feed: feed, Key: key, IP: ip.String(), RequestID: uuid.NewString(), Timestamp: time.Now()})
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents upgrades the connection and registers it to receive lease
// and release events for this feed until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	feed, err := parseFeed(r)
	if err != nil {
		s.writeErr(r.Context(), w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error(r.Context(), "control plane event stream upgrade failed", err)
		return
	}
	defer conn.Close()

	s.subMu.Lock()
	conns, ok := s.subscribers[feed]
	if !ok {
		conns = make(map[*websocket.Conn]bool)
		s.subscribers[feed] = conns
	}
	conns[conn] = true
	s.subMu.Unlock()

	defer func() {
		s.subMu.Lock()
		delete(s.subscribers[feed], conn)
		s.subMu.Unlock()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) broadcast(feed uint32, ev event) {
	s.subMu.Lock()
	conns := s.subscribers[feed]
	s.subMu.Unlock()
	if len(conns) == 0 {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for conn := range s.subscribers[feed] {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(s.subscribers[feed], conn)
		}
	}
}
