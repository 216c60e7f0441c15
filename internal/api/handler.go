package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/reaje/whatsapp-microservice/internal/realtime"
	"github.com/reaje/whatsapp-microservice/internal/service"
	"github.com/reaje/whatsapp-microservice/internal/supervisor"
	apiTypes "github.com/reaje/whatsapp-microservice/pkg/api"
	realtimeTypes "github.com/reaje/whatsapp-microservice/pkg/realtime"
)

// SupervisorStatus reports the runtime supervisor's state.
type SupervisorStatus interface {
	Status() supervisor.Status
}

type Config struct {
	Sessions    *service.SessionService
	Broadcaster *service.EventBroadcaster
	// Supervisor is nil when the embedded runtime is not supervised.
	Supervisor SupervisorStatus
	Logger     zerolog.Logger
}

// Handler routes REST and realtime requests to the session service.
type Handler struct {
	sessions    *service.SessionService
	broadcaster *service.EventBroadcaster
	supervisor  SupervisorStatus
	logger      zerolog.Logger
	validate    *validator.Validate
	realtimeHub *realtime.Hub
	snapshotter *realtime.SnapshotProvider
	bridgeSubID string
	bridgeDone  chan struct{}
}

func NewHandler(cfg Config) *Handler {
	h := &Handler{
		sessions:    cfg.Sessions,
		broadcaster: cfg.Broadcaster,
		supervisor:  cfg.Supervisor,
		logger:      cfg.Logger.With().Str("component", "api").Logger(),
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		realtimeHub: realtime.NewHub(),
		snapshotter: realtime.NewSnapshotProvider(cfg.Sessions),
		bridgeDone:  make(chan struct{}),
	}
	h.startRealtimeBridge()
	return h
}

// Router returns the full route tree with logging and metrics middleware.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)
	h.Mount(r)
	return r
}

func (h *Handler) Mount(r chi.Router) {
	r.Get("/healthz", h.healthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/v1/supervisor", h.getSupervisor)
	r.Get("/api/v1/realtime", h.realtimeWebSocket)
	r.Route("/api/v1/tenants/{tenant}/sessions", func(r chi.Router) {
		r.Get("/", h.listSessions)
		r.Post("/", h.createSession)
		r.Get("/{phone}", h.getSession)
		r.Delete("/{phone}", h.deleteSession)
		r.Get("/{phone}/qr.png", h.getPairingQR)
		r.Post("/{phone}/messages", h.sendMessage)
	})
}

// Close stops the realtime bridge and disconnects realtime clients.
func (h *Handler) Close() {
	if h.broadcaster != nil && h.bridgeSubID != "" {
		h.broadcaster.Unsubscribe(h.bridgeSubID)
		<-h.bridgeDone
	}
	h.realtimeHub.CloseAll()
}

// startRealtimeBridge forwards every broadcast event to the tenant's topic.
func (h *Handler) startRealtimeBridge() {
	if h.broadcaster == nil {
		close(h.bridgeDone)
		return
	}

	h.bridgeSubID = generateID()
	sub := h.broadcaster.Subscribe(h.bridgeSubID, "")
	go func() {
		defer close(h.bridgeDone)
		for event := range sub.Events {
			topic := realtime.TenantTopic(event.TenantID)
			h.realtimeHub.Publish(topic, realtimeTypes.ServerEnvelope{
				Type:    realtimeTypes.ServerMessageTypeEvent,
				Topic:   topic,
				Payload: realtime.NotificationFromEvent(event),
			})
		}
	}()
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	kinds := h.sessions.SupportedProviders()
	providers := make([]string, len(kinds))
	for i, k := range kinds {
		providers[i] = string(k)
	}
	writeJSON(w, http.StatusOK, apiTypes.HealthResponse{Status: "ok", Providers: providers})
}

func (h *Handler) getSupervisor(w http.ResponseWriter, _ *http.Request) {
	if h.supervisor == nil {
		writeJSON(w, http.StatusOK, apiTypes.SupervisorResponse{Enabled: false, State: "disabled"})
		return
	}
	st := h.supervisor.Status()
	writeJSON(w, http.StatusOK, apiTypes.SupervisorResponse{
		Enabled:       true,
		State:         st.State.String(),
		Restarts:      st.Restarts,
		PID:           st.PID,
		StartedAt:     timePtr(st.StartedAt),
		LastHealthyAt: timePtr(st.LastHealthyAt),
		LastError:     st.LastError,
	})
}

func generateID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message, errCode string) {
	writeJSON(w, code, apiTypes.ErrorResponse{Error: message, Code: errCode})
}
