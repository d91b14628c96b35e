// Package adminhttp serves the push webhook, the admin API and the live
// state websocket of a running bridge.
package adminhttp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/unrolled/secure"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/bavix/nestbridge/internal/auth"
	"github.com/bavix/nestbridge/internal/bridge"
	"github.com/bavix/nestbridge/internal/config"
	"github.com/bavix/nestbridge/internal/device"
	customerrors "github.com/bavix/nestbridge/internal/errors"
	"github.com/bavix/nestbridge/internal/metrics"
	"github.com/bavix/nestbridge/internal/state"
	"github.com/bavix/nestbridge/internal/stream"
	"github.com/bavix/nestbridge/internal/version"
)

var (
	errModeRequired    = errors.New("mode required")
	errCelsiusRequired = errors.New("celsius required")
	errUnknownTarget   = errors.New("target must be high, low or empty")
	errCodeRequired    = errors.New("code required")
)

const (
	defaultReadHeaderTimeout     = 5 * time.Second
	defaultIdleTimeout           = 10 * time.Second
	defaultWriteTimeout          = 90 * time.Second
	commandWaitMargin            = 2 * time.Second
	defaultShutdownTimeout       = 5 * time.Second
	defaultWebSocketReadLimit    = 1024
	defaultWebSocketTimeout      = 60 * time.Second
	defaultWebSocketPingInterval = 30 * time.Second
	defaultWebSocketPingTimeout  = 5 * time.Second

	wsPath = "/api/v1/ws"
)

// Bridge is what the admin API drives.
type Bridge interface {
	Manifest() device.Manifest
	Snapshots() []state.Snapshot
	Snapshot(id string) (state.Snapshot, error)
	Status(ctx context.Context) bridge.Status

	SetMode(ctx context.Context, id, mode string) (<-chan error, error)
	SetSetpoint(ctx context.Context, id string, celsius float64) (<-chan error, error)
	SetSetpointHigh(ctx context.Context, id string, celsius float64) (<-chan error, error)
	SetSetpointLow(ctx context.Context, id string, celsius float64) (<-chan error, error)

	GetStream(ctx context.Context, id string, req stream.Request) (stream.Descriptor, error)
	StopStream(ctx context.Context, id string) error
	TakePicture(ctx context.Context, id string) (bridge.Image, error)

	Refresh(ctx context.Context, fresh bool) error
	AuthURL(state string) string
	CompleteLogin(ctx context.Context, code string) error
	Reconfigure(cfg *config.Config)
}

type Server struct {
	mux      *mux.Router
	bridge   Bridge
	hub      *Hub
	webhook  http.Handler
	verifier *auth.Verifier

	cfgMu sync.Mutex
	cfg   *config.Config

	startTime time.Time
	version   string
}

// NewServer builds the router. The API requires a bearer token when
// http.jwt_secret is set.
func NewServer(cfg *config.Config, b Bridge, hub *Hub, webhook http.Handler) (*Server, error) {
	if cfg == nil {
		return nil, customerrors.ErrConfigCannotBeNil
	}

	var verifier *auth.Verifier

	if cfg.HTTP.JWTSecret != "" {
		v, err := auth.NewVerifier(cfg.HTTP.JWTSecret)
		if err != nil {
			return nil, err
		}

		verifier = v
	}

	if hub == nil {
		hub = NewHub()
	}

	s := &Server{
		mux:       mux.NewRouter(),
		bridge:    b,
		hub:       hub,
		webhook:   webhook,
		verifier:  verifier,
		cfg:       cfg,
		startTime: time.Now(),
		version:   version.GetVersion(),
	}

	s.routes()

	return s, nil
}

// SetVersion allows cmd layer to propagate version.
func (s *Server) SetVersion(ver string) {
	if ver != "" {
		s.version = ver
	}
}

// SetConfig swaps the config served by the settings routes. Listen address
// and webhook path changes need a restart.
func (s *Server) SetConfig(cfg *config.Config) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	s.cfg = cfg
}

func (s *Server) config() *config.Config {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	return s.cfg
}

func jsonError(w http.ResponseWriter, r *http.Request, status int, err error) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": err.Error()})
}

// statusFor maps a bridge error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, customerrors.ErrDeviceNotFound), errors.Is(err, customerrors.ErrNoSnapshot):
		return http.StatusNotFound
	case errors.Is(err, customerrors.ErrUnsupportedCommand),
		errors.Is(err, customerrors.ErrStreamNotSupported),
		errors.Is(err, customerrors.ErrOfferRequired):
		return http.StatusUnprocessableEntity
	case errors.Is(err, customerrors.ErrCommandSuperseded):
		return http.StatusConflict
	case errors.Is(err, customerrors.ErrUnauthenticated),
		errors.Is(err, customerrors.ErrUnsupportedChallenge),
		errors.Is(err, customerrors.ErrAuthRefreshFailed):
		return http.StatusFailedDependency
	case errors.Is(err, customerrors.ErrRemoteUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Handler returns the full middleware chain with the websocket route in front.
func (s *Server) Handler(ctx context.Context) http.Handler {
	handler := s.buildMiddlewareChain(ctx)
	ws := auth.Middleware(s.verifier)(s.require(auth.PermissionViewDevices, s.handleWS))

	// Bypass middleware and otel wrappers for WebSocket upgrades to preserve http.Hijacker
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == wsPath {
			ws.ServeHTTP(w, r)

			return
		}

		handler.ServeHTTP(w, r)
	})
}

func (s *Server) Start(ctx context.Context) error {
	addr := s.config().HTTP.Listen

	// Fast-fail if port is occupied
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	srv := s.createServer(ctx, addr, s.Handler(ctx))

	zerolog.Ctx(ctx).Info().Str("addr", addr).Msg("http listen")

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zerolog.Ctx(ctx).Error().Err(err).Msg("http serve")
		}
	}()

	return nil
}

func (s *Server) require(p auth.Permission, h http.HandlerFunc) http.Handler {
	return auth.RequirePermission(s.verifier, p)(h)
}

func (s *Server) routes() {
	cfg := s.config()

	s.mux.Use(MetricsMiddleware, MaxBodyMiddleware(cfg.HTTP.MaxRequestSize))

	if s.webhook != nil {
		s.mux.Handle(cfg.HTTP.WebhookPath, s.webhook).Methods(http.MethodPost)
	}

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(auth.Middleware(s.verifier))

	api.Handle("/status", s.require(auth.PermissionViewStatus, s.handleStatus)).Methods(http.MethodGet)
	api.Handle("/stats", s.require(auth.PermissionViewStatus, s.handleStats)).Methods(http.MethodGet)
	api.Handle("/refresh", s.require(auth.PermissionControlDevices, s.handleRefresh)).Methods(http.MethodPost)

	// Devices
	api.Handle("/devices", s.require(auth.PermissionViewDevices, s.handleDevices)).Methods(http.MethodGet)
	api.Handle("/devices/{id}", s.require(auth.PermissionViewDevices, s.handleDevice)).Methods(http.MethodGet)
	api.Handle("/devices/{id}/mode", s.require(auth.PermissionControlDevices, s.handleMode)).Methods(http.MethodPost)
	api.Handle("/devices/{id}/setpoint", s.require(auth.PermissionControlDevices, s.handleSetpoint)).
		Methods(http.MethodPost)

	// Cameras
	api.Handle("/devices/{id}/stream", s.require(auth.PermissionViewCameras, s.handleStream)).
		Methods(http.MethodPost, http.MethodDelete)
	api.Handle("/devices/{id}/snapshot", s.require(auth.PermissionViewCameras, s.handleSnapshot)).
		Methods(http.MethodGet)

	// Login and settings
	api.Handle("/oauth/url", s.require(auth.PermissionManageConfig, s.handleAuthURL)).Methods(http.MethodGet)
	api.Handle("/oauth/callback", s.require(auth.PermissionManageConfig, s.handleCallback)).
		Methods(http.MethodPost)
	api.Handle("/settings", s.require(auth.PermissionManageConfig, s.handleSettings)).
		Methods(http.MethodGet, http.MethodPut)

	// Health check
	s.mux.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// Metrics
	s.mux.Handle("/metrics", promhttp.Handler())
}

type statusResponse struct {
	bridge.Status

	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	Clients int    `json:"ws_clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, statusResponse{
		Status:  s.bridge.Status(r.Context()),
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Clients: s.hub.Len(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := metrics.GatherStats(metrics.Service())
	if err != nil {
		jsonError(w, r, http.StatusInternalServerError, err)

		return
	}

	render.JSON(w, r, st)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.Refresh(r.Context(), true); err != nil {
		jsonError(w, r, statusFor(err), err)

		return
	}

	render.JSON(w, r, s.bridge.Manifest())
}

type deviceResponse struct {
	device.ManifestEntry

	State  map[string]any           `json:"state"`
	Events map[state.EventKind]bool `json:"events"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	snapshots := make(map[string]state.Snapshot)
	for _, snap := range s.bridge.Snapshots() {
		snapshots[snap.DeviceID] = snap
	}

	manifest := s.bridge.Manifest()

	out := make([]deviceResponse, 0, len(manifest.Devices))
	for _, e := range manifest.Devices {
		snap := snapshots[e.ID]
		out = append(out, deviceResponse{ManifestEntry: e, State: snap.State, Events: snap.Events})
	}

	render.JSON(w, r, map[string]any{"devices": out})
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	snap, err := s.bridge.Snapshot(mux.Vars(r)["id"])
	if err != nil {
		jsonError(w, r, statusFor(err), err)

		return
	}

	render.JSON(w, r, snap)
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		jsonError(w, r, http.StatusBadRequest, err)

		return
	}

	if req.Mode == "" {
		jsonError(w, r, http.StatusBadRequest, errModeRequired)

		return
	}

	done, err := s.bridge.SetMode(r.Context(), mux.Vars(r)["id"], req.Mode)
	s.commandResponse(w, r, done, err)
}

type setpointRequest struct {
	Celsius *float64 `json:"celsius"`
	// Target is "high" (cooling), "low" (heating) or empty for the current mode.
	Target string `json:"target,omitempty"`
}

func (s *Server) handleSetpoint(w http.ResponseWriter, r *http.Request) {
	var req setpointRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		jsonError(w, r, http.StatusBadRequest, err)

		return
	}

	if req.Celsius == nil {
		jsonError(w, r, http.StatusBadRequest, errCelsiusRequired)

		return
	}

	id := mux.Vars(r)["id"]

	var (
		done <-chan error
		err  error
	)

	switch req.Target {
	case "":
		done, err = s.bridge.SetSetpoint(r.Context(), id, *req.Celsius)
	case "high":
		done, err = s.bridge.SetSetpointHigh(r.Context(), id, *req.Celsius)
	case "low":
		done, err = s.bridge.SetSetpointLow(r.Context(), id, *req.Celsius)
	default:
		jsonError(w, r, http.StatusBadRequest, errUnknownTarget)

		return
	}

	s.commandResponse(w, r, done, err)
}

// commandResponse answers 202 once a command is queued, or waits for the
// flush when ?wait=true.
func (s *Server) commandResponse(w http.ResponseWriter, r *http.Request, done <-chan error, err error) {
	if err != nil {
		jsonError(w, r, statusFor(err), err)

		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait {
		render.Status(r, http.StatusAccepted)
		render.JSON(w, r, map[string]string{"status": "queued"})

		return
	}

	limit := time.NewTimer(waitLimit(durationOr(s.config().HTTP.WriteTimeout, defaultWriteTimeout)))
	defer limit.Stop()

	select {
	case err := <-done:
		if err != nil {
			jsonError(w, r, statusFor(err), err)

			return
		}

		render.JSON(w, r, map[string]string{"status": "applied"})
	case <-limit.C:
		// still pending
		render.Status(r, http.StatusAccepted)
		render.JSON(w, r, map[string]string{"status": "queued"})
	case <-r.Context().Done():
		jsonError(w, r, http.StatusGatewayTimeout, r.Context().Err())
	}
}

// waitLimit is how long ?wait=true may block under the given write timeout.
func waitLimit(writeTimeout time.Duration) time.Duration {
	return max(writeTimeout-commandWaitMargin, writeTimeout/2)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if r.Method == http.MethodDelete {
		if err := s.bridge.StopStream(r.Context(), id); err != nil {
			jsonError(w, r, statusFor(err), err)

			return
		}

		w.WriteHeader(http.StatusNoContent)

		return
	}

	var req stream.Request
	if r.ContentLength != 0 {
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			jsonError(w, r, http.StatusBadRequest, err)

			return
		}
	}

	desc, err := s.bridge.GetStream(r.Context(), id, req)
	if err != nil {
		jsonError(w, r, statusFor(err), err)

		return
	}

	render.JSON(w, r, desc)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	img, err := s.bridge.TakePicture(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		jsonError(w, r, statusFor(err), err)

		return
	}

	contentType := img.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")

	if img.EventID != "" {
		w.Header().Set("X-Event-Id", img.EventID)
	}

	_, _ = w.Write(img.Data)
}

func (s *Server) handleAuthURL(w http.ResponseWriter, r *http.Request) {
	st := r.URL.Query().Get("state")
	if st == "" {
		st = uuid.NewString()
	}

	render.JSON(w, r, map[string]string{"url": s.bridge.AuthURL(st), "state": st})
}

type callbackRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		jsonError(w, r, http.StatusBadRequest, err)

		return
	}

	if req.Code == "" {
		jsonError(w, r, http.StatusBadRequest, errCodeRequired)

		return
	}

	if err := s.bridge.CompleteLogin(r.Context(), req.Code); err != nil {
		jsonError(w, r, statusFor(err), err)

		return
	}

	render.JSON(w, r, s.bridge.Status(r.Context()))
}

type settingsRequest struct {
	ProjectID    *string `json:"project_id"`
	ClientID     *string `json:"client_id"`
	ClientSecret *string `json:"client_secret"`
	RedirectURL  *string `json:"redirect_url"`
}

type settingsResponse struct {
	ProjectID   string   `json:"project_id"`
	ClientID    string   `json:"client_id"`
	RedirectURL string   `json:"redirect_url,omitempty"`
	HasSecret   bool     `json:"has_client_secret"`
	Problems    []string `json:"problems,omitempty"`
}

func newSettingsResponse(cfg *config.Config) settingsResponse {
	return settingsResponse{
		ProjectID:   cfg.ProjectID,
		ClientID:    cfg.OAuth.ClientID,
		RedirectURL: cfg.OAuth.RedirectURL,
		HasSecret:   cfg.OAuth.ClientSecret != "",
		Problems:    cfg.Problems(),
	}
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		render.JSON(w, r, newSettingsResponse(s.config()))

		return
	}

	var req settingsRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		jsonError(w, r, http.StatusBadRequest, err)

		return
	}

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	next := *s.cfg

	if req.ProjectID != nil {
		next.ProjectID = *req.ProjectID
	}

	if req.ClientID != nil {
		next.OAuth.ClientID = *req.ClientID
	}

	if req.ClientSecret != nil {
		next.OAuth.ClientSecret = *req.ClientSecret
	}

	if req.RedirectURL != nil {
		next.OAuth.RedirectURL = *req.RedirectURL
	}

	if err := next.Validate(); err != nil {
		jsonError(w, r, http.StatusBadRequest, err)

		return
	}

	if next.Path != "" {
		if err := next.Save(); err != nil {
			jsonError(w, r, http.StatusInternalServerError, err)

			return
		}
	}

	s.cfg = &next
	s.bridge.Reconfigure(&next)

	hlog.FromRequest(r).Info().Str("project", next.ProjectID).Msg("settings updated")

	render.JSON(w, r, newSettingsResponse(&next))
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }} //nolint:gochecknoglobals // websocket upgrader

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Log the error but don't use http.Error as it conflicts with WebSocket upgrade
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("WebSocket upgrade failed")

		return
	}

	// Initial snapshot
	initial := []Message{{Type: "devices", Data: s.bridge.Manifest()}}
	for _, snap := range s.bridge.Snapshots() {
		initial = append(initial, Message{Type: "state", Data: snap})
	}

	client := s.hub.add(conn, initial...)

	conn.SetReadLimit(defaultWebSocketReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(defaultWebSocketTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(defaultWebSocketTimeout))

		return nil
	})

	stop := make(chan struct{})
	defer close(stop)

	go func(c *websocket.Conn) {
		ticker := time.NewTicker(defaultWebSocketPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := c.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(defaultWebSocketPingTimeout)); err != nil {
					return
				}
			}
		}
	}(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.hub.remove(client)
}

// handleHealth provides health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if !metrics.IsReady() {
		status, code = "starting", http.StatusServiceUnavailable
	}

	render.Status(r, code)
	render.JSON(w, r, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   s.version,
		"uptime":    time.Since(s.startTime).String(),
	})
}

func (s *Server) buildMiddlewareChain(ctx context.Context) http.Handler {
	logger := zerolog.Ctx(ctx)

	var h http.Handler = s.mux

	// CORS
	c := cors.New(cors.Options{
		AllowOriginFunc:  func(_ string) bool { return true },
		AllowCredentials: true,
		AllowedHeaders:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
	})
	h = c.Handler(h)

	// Security headers
	sec := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'self'; img-src 'self' data:; style-src 'self' 'unsafe-inline'; " +
			"connect-src 'self' ws: wss:",
	})
	h = sec.Handler(h)

	// Logging + request metadata
	h = hlog.NewHandler(*logger)(h)
	h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		logger.Info().
			Str("method", r.Method).
			Str("url", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("http")
	})(h)
	h = chimw.RequestID(h)
	h = chimw.RealIP(h)
	// Recoverer last to catch panics
	h = chimw.Recoverer(h)

	// OTEL wrapper
	return otelhttp.NewHandler(h, "adminhttp")
}

func (s *Server) createServer(ctx context.Context, addr string, handler http.Handler) *http.Server {
	httpCfg := s.config().HTTP

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       httpCfg.ReadTimeout,
		IdleTimeout:       durationOr(httpCfg.IdleTimeout, defaultIdleTimeout),
		WriteTimeout:      durationOr(httpCfg.WriteTimeout, defaultWriteTimeout),
		MaxHeaderBytes:    httpCfg.MaxHeaderBytes,
	}
	srv.BaseContext = func(_ net.Listener) context.Context { return ctx }

	go func() {
		<-ctx.Done()
		// graceful shutdown with timeout, then force close
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(shutdownCtx)
		_ = srv.Close()
	}()

	return srv
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}

	return fallback
}
