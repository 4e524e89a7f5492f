package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nextlevelbuilder/taskpilot/internal/sessions"
	"github.com/nextlevelbuilder/taskpilot/internal/store"
)

// ServerConfig is the HTTP-facing slice of the application config.
type ServerConfig struct {
	Host          string
	Port          int
	WebhookSecret string
	AdminSecret   string
	APIToken      string

	// Requests per minute. Zero disables the respective limiter.
	RateLimitAuth   int
	RateLimitPublic int
}

// Server owns the mux and the listener lifecycle.
type Server struct {
	cfg     ServerConfig
	stores  *store.Stores
	sess    *sessions.Store
	webhook *WebhookHandler
	tasks   *TasksHandler
	admin   *AdminHandler

	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(cfg ServerConfig, stores *store.Stores, sess *sessions.Store,
	dispatcher Dispatcher, svc TaskService, admin *AdminHandler) *Server {
	s := &Server{
		cfg:    cfg,
		stores: stores,
		sess:   sess,
		admin:  admin,
	}
	publicLim := NewLimiter(cfg.RateLimitPublic)
	authLim := NewLimiter(cfg.RateLimitAuth)
	s.webhook = NewWebhookHandler(cfg.WebhookSecret, stores.Dedup, stores.Outbox, dispatcher)
	s.tasks = NewTasksHandler(stores.Tasks, svc, cfg.APIToken, authLim)

	mux := http.NewServeMux()
	s.webhook.RegisterRoutes(mux, publicLim)
	s.tasks.RegisterRoutes(mux)
	if s.admin != nil {
		s.admin.RegisterRoutes(mux)
	}
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/db", s.handleHealthDB)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.mux = mux
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves until the context is cancelled, then drains background webhook
// work for up to 30 seconds before shutting the listener down.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("http server starting", "addr", addr)

	go func() {
		<-ctx.Done()
		s.webhook.Drain(30 * time.Second)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	services := map[string]string{}
	status := "healthy"

	if s.stores.DB != nil {
		if err := s.stores.DB.PingContext(r.Context()); err != nil {
			services["postgres"] = "down"
			status = "degraded"
		} else {
			services["postgres"] = "ok"
		}
	}
	if s.sess != nil {
		if s.sess.Durable() {
			services["sessions"] = "ok"
		} else {
			services["sessions"] = "local-fallback"
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": status, "services": services})
}

func (s *Server) handleHealthDB(w http.ResponseWriter, r *http.Request) {
	if s.stores.DB == nil {
		writeError(w, http.StatusServiceUnavailable, "no database configured")
		return
	}
	st := s.stores.DB.Stats()
	writeJSON(w, http.StatusOK, store.PoolStats{
		PoolSize:   st.OpenConnections,
		CheckedIn:  st.Idle,
		CheckedOut: st.InUse,
		Overflow:   int(st.WaitCount),
		Max:        st.MaxOpenConnections,
	})
}
