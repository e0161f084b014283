// Package panel serves the local control-panel JSON API and relays bus
// events to browsers over WebSocket.
package panel

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/lockfleet/internal/events"
	"github.com/markus-barta/lockfleet/internal/fleet"
	"github.com/markus-barta/lockfleet/internal/journal"
	"github.com/markus-barta/lockfleet/internal/protocol"
	"github.com/rs/zerolog"
)

// Fleet is the device model as seen by the panel.
type Fleet interface {
	Devices() []fleet.DeviceStatus
	Device(mac string) (fleet.DeviceStatus, bool)
	AddDevice(ctx context.Context, nd protocol.NewDevice) (*fleet.Device, error)
	RemoveDevice(ctx context.Context, mac string) error
	ListScripts(ctx context.Context, mac string) ([]protocol.ScriptMeta, error)
	Upload(ctx context.Context, mac, name string, content io.Reader) error
	RunScript(ctx context.Context, mac, name string) (*fleet.EnqueueResult, error)
	Dequeue(ctx context.Context, mac, name string) error
	Delete(ctx context.Context, mac, name string) error
}

// Connection is the push channel as seen by the panel.
type Connection interface {
	Status() protocol.ConnectionStatePayload
	SendDeviceCommand(mac string, command any) error
	RequestDeviceState(mac string) error
}

// Journal is the audit trail as seen by the panel.
type Journal interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
	ForDevice(ctx context.Context, mac string, limit int) ([]journal.Entry, error)
}

// Options configure the HTTP side.
type Options struct {
	ListenAddr     string
	AllowedOrigins []string // empty allows any origin
}

// Server is the panel HTTP server.
type Server struct {
	opts     Options
	log      zerolog.Logger
	fleet    Fleet
	conn     Connection
	journal  Journal
	hub      *Hub
	router   *chi.Mux
	upgrader websocket.Upgrader
}

// New creates the server and attaches its relay hub to bus.
func New(opts Options, f Fleet, c Connection, j Journal, bus *events.Bus, log zerolog.Logger) *Server {
	s := &Server{
		opts:    opts,
		log:     log.With().Str("component", "panel").Logger(),
		fleet:   f,
		conn:    c,
		journal: j,
		hub:     NewHub(bus, log),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/journal", s.handleJournal)

		r.Get("/devices", s.handleListDevices)
		r.Post("/devices", s.handleAddDevice)
		r.Route("/devices/{mac}", func(r chi.Router) {
			r.Get("/", s.handleGetDevice)
			r.Delete("/", s.handleRemoveDevice)
			r.Post("/command", s.handleCommand)
			r.Post("/state", s.handleRequestState)

			r.Get("/scripts", s.handleListScripts)
			r.Post("/scripts", s.handleUploadScript)
			r.Post("/scripts/{name}/run", s.handleRunScript)
			r.Post("/scripts/{name}/dequeue", s.handleDequeueScript)
			r.Delete("/scripts/{name}", s.handleDeleteScript)
		})
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	s.log.Warn().Str("origin", origin).Msg("rejected WebSocket origin")
	return false
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.opts.ListenAddr).Msg("starting panel server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}
