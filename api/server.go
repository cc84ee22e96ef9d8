// Package api exposes the theme registry over HTTP and streams registry
// events to websocket subscribers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"themeplane/logger"
	"themeplane/model"
	"themeplane/theme"
)

const (
	ServiceName = "themeplane"

	defaultMaxBodyBytes = 1 << 20
)

type Options struct {
	Version string
	// AssetDir, when set, is served read-only under AssetURLPrefix.
	AssetDir       string
	AssetURLPrefix string
	// Metrics is mounted at /metrics when set.
	Metrics      http.Handler
	MaxBodyBytes int64
	// CheckOrigin vets websocket upgrades. Nil allows same-host origins only.
	CheckOrigin func(r *http.Request) bool
}

type Server struct {
	registry *theme.Registry
	css      *theme.Handler
	events   *EventHub
	upgrader websocket.Upgrader
	opts     Options
	log      *slog.Logger
}

// NewServer builds the HTTP layer and subscribes it to registry changes.
func NewServer(registry *theme.Registry, opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.AssetURLPrefix == "" {
		opts.AssetURLPrefix = "/assets"
	}
	s := &Server{
		registry: registry,
		css:      theme.NewHandler(registry),
		events:   NewEventHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		opts: opts,
		log:  logger.With("api"),
	}
	registry.SetOnChange(s.broadcast)
	return s
}

// Connections exposes the websocket subscriber set.
func (s *Server) Events() *EventHub { return s.events }

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", s.handleHealth)
	r.Route("/api/themes", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Get("/current", s.handleCurrent)
		r.Get("/current.css", s.css.HandleCSS)
		r.Get("/history", s.handleHistory)
		r.Post("/validate", s.handleValidate)
		r.Post("/reset", s.handleReset)
		r.Post("/apply/{id}", s.handleApply)
		r.Get("/{id}", s.handleGet)
		r.Put("/{id}", s.handleUpdate)
		r.Delete("/{id}", s.handleDelete)
	})
	r.Get("/api/events", s.handleEvents)

	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics)
	}
	if s.opts.AssetDir != "" {
		prefix := "/" + strings.Trim(s.opts.AssetURLPrefix, "/")
		files := http.StripPrefix(prefix+"/", http.FileServer(http.Dir(s.opts.AssetDir)))
		r.Get(prefix+"/*", func(w http.ResponseWriter, req *http.Request) {
			if strings.HasSuffix(req.URL.Path, "/") {
				http.NotFound(w, req)
				return
			}
			w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
			files.ServeHTTP(w, req)
		})
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"service":     ServiceName,
		"version":     s.opts.Version,
		"subscribers": s.events.Subscribers(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	t, err := s.registry.Current()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.History())
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req theme.CreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	t, err := s.registry.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var patch model.Patch
	if !s.decode(w, r, &patch) {
		return
	}
	t, err := s.registry.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	t, err := s.registry.Apply(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	t, err := s.registry.Reset(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type validateResponse struct {
	Valid         bool     `json:"valid"`
	Reason        string   `json:"reason,omitempty"`
	MissingFields []string `json:"missing_fields,omitempty"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var doc map[string]any
	if !s.decode(w, r, &doc) {
		return
	}
	err := theme.Check(doc)
	if err == nil {
		writeJSON(w, http.StatusOK, validateResponse{Valid: true})
		return
	}
	var verr *model.ValidationError
	if !errors.As(err, &verr) {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{Reason: verr.Reason, MissingFields: verr.MissingFields})
}

// eventMessage is what websocket subscribers receive.
type eventMessage struct {
	Type  string      `json:"type"`
	Event theme.Event `json:"event"`
}

func (s *Server) broadcast(e theme.Event) {
	s.events.Publish(eventMessage{Type: "theme." + string(e.Action), Event: e})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	sub := s.events.subscribe(conn)
	defer func() {
		s.events.unsubscribe(sub)
		_ = conn.Close()
	}()

	if cur, err := s.registry.Current(); err == nil {
		hello := eventMessage{Type: "theme.current", Event: theme.Event{
			ThemeID:   cur.ID,
			ThemeName: cur.Name,
			CurrentID: cur.ID,
			Timestamp: time.Now().UTC(),
		}}
		if err := sub.send(hello); err != nil {
			return
		}
	}

	// Subscribers only listen; reading drives ping/close handling.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Shutdown disconnects websocket subscribers.
func (s *Server) Shutdown() {
	s.events.CloseAll()
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		if errors.Is(err, io.EOF) {
			err = errors.New("request body is empty")
		}
		writeJSON(w, status, errorResponse{Error: errorBody{Code: "BAD_REQUEST", Message: fmt.Sprintf("invalid request body: %v", err)}})
		return false
	}
	return true
}

type errorBody struct {
	Code          string   `json:"code"`
	Message       string   `json:"message"`
	MissingFields []string `json:"missing_fields,omitempty"`
	SourceStatus  int      `json:"source_status,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(err error) int {
	var (
		notFound   *model.NotFoundError
		validation *model.ValidationError
		upstream   *model.UpstreamError
		asset      *model.AssetProcessingError
		immutable  *model.ImmutableResourceError
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &immutable):
		return http.StatusConflict
	case errors.As(err, &validation):
		return http.StatusUnprocessableEntity
	case errors.As(err, &asset):
		return http.StatusUnprocessableEntity
	case errors.As(err, &upstream):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	body := errorBody{Code: "INTERNAL", Message: "internal error"}

	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		body.Code = coded.Code()
		body.Message = coded.(error).Error()
	}
	var validation *model.ValidationError
	if errors.As(err, &validation) {
		body.MissingFields = validation.MissingFields
	}
	var upstream *model.UpstreamError
	if errors.As(err, &upstream) {
		body.SourceStatus = upstream.SourceStatus
	}
	switch status {
	case http.StatusGatewayTimeout, http.StatusServiceUnavailable:
		body.Code = "CANCELLED"
		body.Message = "request cancelled or timed out"
	}

	if status >= 500 {
		s.log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.log.InfoContext(r.Context(), "request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: body})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("writeJSON failed", "error", err)
	}
}
