// Package http exposes the chatbot over a JSON API, server-sent event
// streams and a small server-rendered UI.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"ehr-chatbot/internal/logging"
	"ehr-chatbot/internal/observability"
	"ehr-chatbot/internal/service"
)

// Subscriber delivers session update notifications; service.Hub
// implements it.
type Subscriber interface {
	Subscribe(sessionID int64) (<-chan struct{}, func())
}

// Server bundles together the dependencies required by HTTP handlers.
type Server struct {
	svc       *service.Service
	events    Subscriber
	log       *logging.Logger
	metrics   *observability.Metrics
	validate  *validator.Validate
	templates *template.Template
	appName   string
}

// Options configure optional parts of the server.
type Options struct {
	AppName string
	// Events feeds GET /api/sessions/{id}/events.  Nil disables the
	// endpoint.
	Events Subscriber
}

// NewServer constructs a Server and parses the embedded UI templates.
func NewServer(svc *service.Service, log *logging.Logger, metrics *observability.Metrics, opts Options) (*Server, error) {
	tmpl, err := parseTemplates()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Discard()
	}
	if opts.AppName == "" {
		opts.AppName = "EHR Medical Chatbot"
	}
	return &Server{
		svc:       svc,
		events:    opts.Events,
		log:       log,
		metrics:   metrics,
		validate:  validator.New(),
		templates: tmpl,
		appName:   opts.AppName,
	}, nil
}

// Router wires every route.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Post("/generate-initial-message", s.handleGenerateInitialMessage)
	r.Post("/generate-initial-message/stream", s.handleGenerateInitialMessageStream)
	r.Post("/chat", s.handleChat)
	r.Post("/chat/stream", s.handleChatStream)
	r.Delete("/sessions/{id}/memory", s.handleClearMemory)

	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", s.handleCreateSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
		r.Get("/sessions/{id}/messages", s.handleListMessages)
		r.Post("/sessions/{id}/messages", s.handlePostMessage)
		r.Post("/sessions/{id}/messages/stream", s.handlePostMessageStream)
		r.Post("/sessions/{id}/education", s.handleGenerateEducation)
		r.Get("/sessions/{id}/summary", s.handleSummary)
		r.Get("/sessions/{id}/events", s.handleSessionEvents)
		r.Get("/users/{id}", s.handleUserOverview)
	})

	r.Get("/", s.handleIndex)
	r.Get("/ui/users", s.handleFindUser)
	r.Get("/ui/users/{id}", s.handleUserPage)
	r.Post("/ui/users/{id}/sessions", s.handleUIStartSession)
	r.Get("/ui/sessions/{id}", s.handleSessionPage)
	r.Post("/ui/sessions/{id}/messages", s.handleUIPostMessage)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"success":         true,
		"app":             s.appName,
		"memory_sessions": s.svc.Bot().Memory().Sessions(),
	})
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

var errEmptyBody = errors.New("request body is empty")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

// decodeAndValidate reads a JSON body into out and applies its validate tags.
func (s *Server) decodeAndValidate(r *http.Request, out any) error {
	if err := decodeJSON(r, out); err != nil {
		return err
	}
	return s.validate.Struct(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Success: false, Error: message})
}

// respondServiceError maps service errors onto status codes.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled):
		// client went away; nothing useful to write
	default:
		s.log.Error("request failed", logging.Fields{
			"request_id": requestID(r.Context()),
			"path":       r.URL.Path,
			"error":      err.Error(),
		})
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// pathID parses the {id} URL parameter.
func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id: " + raw)
	}
	return id, nil
}
