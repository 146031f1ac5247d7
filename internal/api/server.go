package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/foleys1972/Mobile-trader/internal/api/middleware"
	"github.com/foleys1972/Mobile-trader/internal/bank"
	"github.com/foleys1972/Mobile-trader/internal/call"
	"github.com/foleys1972/Mobile-trader/internal/config"
	"github.com/foleys1972/Mobile-trader/internal/database"
	"github.com/foleys1972/Mobile-trader/internal/dnd"
	"github.com/foleys1972/Mobile-trader/internal/gateway"
	"github.com/foleys1972/Mobile-trader/internal/hoot"
	"github.com/foleys1972/Mobile-trader/internal/line"
)

// Deps are the components the HTTP API drives.
type Deps struct {
	Banks   *bank.Registry
	Lines   *line.Machine
	Calls   *call.Manager
	DND     *dnd.Engine
	Hoot    *hoot.Monitor
	Gateway gateway.Adapter
	// Records serves call history. Optional.
	Records database.CallRecordRepository
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Limiter rate limits /api/v1 when set.
	Limiter *middleware.IPRateLimiter
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	cfg    *config.Config
	logger *slog.Logger

	banks   *bank.Registry
	lines   *line.Machine
	calls   *call.Manager
	dnd     *dnd.Engine
	hoot    *hoot.Monitor
	gateway gateway.Adapter
	records database.CallRecordRepository
	metrics http.Handler
	limiter *middleware.IPRateLimiter

	// heartbeat is the idle interval between keepalive comments on event streams.
	heartbeat time.Duration
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		cfg:       cfg,
		logger:    logger.With("subsystem", "api"),
		banks:     deps.Banks,
		lines:     deps.Lines,
		calls:     deps.Calls,
		dnd:       deps.DND,
		hoot:      deps.Hoot,
		gateway:   deps.Gateway,
		records:   deps.Records,
		metrics:   deps.Metrics,
		limiter:   deps.Limiter,
		heartbeat: 15 * time.Second,
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders(s.cfg.TLSEnabled()))
	r.Use(middleware.CORS(middleware.ParseCORSOrigins(s.cfg.CORSOrigins)))

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(middleware.RateLimit(s.limiter))
		}

		r.Get("/health", s.handleHealth)

		r.Route("/banks", func(r chi.Router) {
			r.Get("/", s.handleListBanks)
			r.Post("/", s.handleConfigureBank)
			r.Route("/{bankID}", func(r chi.Router) {
				r.Get("/", s.handleGetBank)
				r.Put("/", s.handleConfigureBank)
				r.Post("/configure", s.handleConfigureBank)
				r.Delete("/", s.handleRemoveBank)
				r.Post("/register", s.handleRegisterBank)

				r.Route("/lines", func(r chi.Router) {
					r.Get("/", s.handleListLines)
					r.Get("/kind/{kind}", s.handleListLines)
					r.Route("/{lineID}", func(r chi.Router) {
						r.Get("/", s.handleGetLine)
						r.Post("/activate", s.handleLineTransition(s.lines.Activate))
						r.Post("/deactivate", s.handleLineTransition(s.lines.Deactivate))
						r.Post("/recover", s.handleLineTransition(s.lines.Recover))
						r.Post("/fault", s.handleFaultLine)
						r.Post("/participants", s.handleAddParticipant)
						r.Delete("/participants/{participant}", s.handleRemoveParticipant)
					})
				})

				r.Route("/hoot-lines/{lineID}", func(r chi.Router) {
					r.Get("/monitors", s.handleListMonitors)
					r.Post("/monitor", s.handleStartMonitoring)
					r.Post("/stop-monitoring", s.handleStopMonitoring)
					r.Post("/toggle-mute", s.handleToggleMute)
					r.Get("/audio-activity", s.handleGetAudioActivity)
					r.Post("/audio-activity", s.handleIngestAudioActivity)
					r.Get("/audio-activity/stream", s.handleStreamAudioActivity)
				})
			})
		})

		r.Route("/calls", func(r chi.Router) {
			r.Post("/initiate", s.handleInitiateCall)
			r.Post("/incoming", s.handleIncomingCall)
			r.Get("/active", s.handleListActiveCalls)
			r.Route("/history", func(r chi.Router) {
				r.Get("/", s.handleListCallHistory)
				r.Get("/export", s.handleExportCallHistory)
				r.Get("/{callID}", s.handleGetCallRecord)
			})
			r.Route("/{callID}", func(r chi.Router) {
				r.Get("/", s.handleGetCall)
				r.Post("/answer", s.handleAnswerCall)
				r.Post("/end", s.handleEndCall)
				r.Post("/fail", s.handleFailCall)
			})
		})

		r.Route("/dnd/{userID}", func(r chi.Router) {
			r.Get("/status", s.handleDNDStatus)
			r.Post("/enable", s.handleDNDEnable)
			r.Post("/disable", s.handleDNDDisable)
			r.Post("/schedule", s.handleDNDSetSchedule)
			r.Delete("/schedule", s.handleDNDCancelSchedule)
			r.Post("/emergency-override", s.handleDNDEmergencyOverride)
			r.Post("/allowed-callers", s.handleDNDAddAllowedCaller)
			r.Delete("/allowed-callers", s.handleDNDClearAllowedCallers)
			r.Delete("/allowed-callers/{caller}", s.handleDNDRemoveAllowedCaller)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.logger.Debug("api routes mounted")
}

// healthResponse reports liveness plus a few counters useful to consoles.
type healthResponse struct {
	Status      string `json:"status"`
	Banks       int    `json:"banks"`
	Initiating  int    `json:"initiating_calls"`
	ActiveCalls int    `json:"active_calls"`
	Monitors    int    `json:"hoot_monitors"`
}

// handleHealth returns basic health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	initiating, active := s.calls.Counts()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Banks:       len(s.banks.List()),
		Initiating:  initiating,
		ActiveCalls: active,
		Monitors:    s.hoot.MonitorCount(),
	})
}
