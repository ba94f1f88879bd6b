package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/conorfennell/recallguard/internal/domain"
	"github.com/conorfennell/recallguard/internal/sync"
)

// Notes is the note ingestion the API exposes.
type Notes interface {
	CreateNote(ctx context.Context, userID int64, content string) (domain.Note, error)
	ListNotes(ctx context.Context, userID int64) ([]domain.Note, error)
}

// Reviews is the review scheduling the API exposes.
type Reviews interface {
	Daily(ctx context.Context, userID int64) (*domain.Question, error)
	Submit(ctx context.Context, userID, questionID int64, quality int) (domain.Question, error)
	Status(ctx context.Context, userID int64) (domain.MemoryStatus, error)
}

// Sources is the note source management the API exposes. Registering a
// source names a directory or remote the server reads, so it is left to the
// operator CLI.
type Sources interface {
	Sources(ctx context.Context, userID int64) ([]domain.Source, error)
	RemoveSource(ctx context.Context, userID, id int64) error
	RunForUser(ctx context.Context, userID int64) (sync.Report, error)
}

// Authenticator guards the /api routes.
type Authenticator interface {
	Middleware(next http.Handler) http.Handler
}

// UserFunc extracts the authenticated user placed in the context by the
// Authenticator.
type UserFunc func(ctx context.Context) (int64, bool)

// Server holds the dependencies for the HTTP server.
type Server struct {
	notes    Notes
	reviews  Reviews
	sources  Sources
	auth     Authenticator
	userID   UserFunc
	validate *validator.Validate
	router   chi.Router
}

// Deps groups the collaborators of a Server. Sources may be nil, in which
// case the source routes are not mounted.
type Deps struct {
	Notes   Notes
	Reviews Reviews
	Sources Sources
	Auth    Authenticator
	UserID  UserFunc
	// AllowedOrigins for CORS; empty means any origin.
	AllowedOrigins []string
}

// NewServer creates and configures a new server.
func NewServer(d Deps) *Server {
	s := &Server{
		notes:    d.Notes,
		reviews:  d.Reviews,
		sources:  d.Sources,
		auth:     d.Auth,
		userID:   d.UserID,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		router:   chi.NewRouter(),
	}
	s.routes(d.AllowedOrigins)
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes sets up the routing for the server.
func (s *Server) routes(origins []string) {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	s.router.Get("/healthz", s.handleHealth())

	s.router.Route("/api", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Post("/notes", s.handleCreateNote())
		r.Get("/notes", s.handleListNotes())

		r.Get("/questions/daily", s.handleDaily())
		r.Get("/questions/status", s.handleStatus())
		r.Post("/questions/{id}/review", s.handleReview())

		if s.sources != nil {
			r.Get("/sources", s.handleListSources())
			r.Delete("/sources/{id}", s.handleDeleteSource())
			r.Post("/sync", s.handleSync())
		}
	})
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type createNoteRequest struct {
	Content string `json:"content" validate:"required"`
}

func (s *Server) handleCreateNote() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createNoteRequest
		if !s.decode(w, r, &req) {
			return
		}
		note, err := s.notes.CreateNote(r.Context(), s.user(r), req.Content)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, note)
	}
}

func (s *Server) handleListNotes() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		notes, err := s.notes.ListNotes(r.Context(), s.user(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(notes))
	}
}

// handleDaily answers with the next due question, or null when none is due.
func (s *Server) handleDaily() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := s.reviews.Daily(r.Context(), s.user(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, q)
	}
}

type reviewRequest struct {
	Quality *int `json:"quality" validate:"required,min=0,max=5"`
}

func (s *Server) handleReview() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var req reviewRequest
		if !s.decode(w, r, &req) {
			return
		}
		q, err := s.reviews.Submit(r.Context(), s.user(r), id, *req.Quality)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, q)
	}
}

func (s *Server) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := s.reviews.Status(r.Context(), s.user(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func (s *Server) handleListSources() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sources, err := s.sources.Sources(r.Context(), s.user(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(sources))
	}
}

func (s *Server) handleDeleteSource() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		if err := s.sources.RemoveSource(r.Context(), s.user(r), id); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type syncResponse struct {
	Sources  int      `json:"sources"`
	Imported int      `json:"imported"`
	Deleted  int      `json:"deleted"`
	Errors   []string `json:"errors"`
}

// handleSync runs in the foreground so the caller sees the result.
func (s *Server) handleSync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := s.sources.RunForUser(r.Context(), s.user(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp := syncResponse{
			Sources:  report.Sources,
			Imported: report.Imported,
			Deleted:  report.Deleted,
			Errors:   make([]string, 0, len(report.Errors)),
		}
		for _, e := range report.Errors {
			resp.Errors = append(resp.Errors, e.Error())
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// user is only called behind the auth middleware.
func (s *Server) user(r *http.Request) int64 {
	id, _ := s.userID(r.Context())
	return id
}

// decode reads a JSON body into dst and validates it, answering 400 itself
// when either step fails.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeMessage(w, http.StatusBadRequest, "Invalid "+jsonName(verrs[0]))
			return false
		}
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func jsonName(fe validator.FieldError) string {
	switch fe.Field() {
	case "Quality":
		return "quality"
	case "Content":
		return "content"
	default:
		return fe.Field()
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeMessage(w, http.StatusBadRequest, "Invalid id")
		return 0, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeMessage(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, domain.ErrValidation):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "Not found")
	case errors.Is(err, domain.ErrConflict):
		writeMessage(w, http.StatusConflict, "Question was updated concurrently, try again")
	default:
		slog.Error("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		writeMessage(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			slog.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
