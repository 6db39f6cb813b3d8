package web

import (
	"bufio"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"url-reputation-scorer/features"
	"url-reputation-scorer/scan"
	"url-reputation-scorer/scoring"
)

//go:embed templates/*.html
var embedded embed.FS

// Scanner is the pipeline the handlers drive.
type Scanner interface {
	Scan(ctx context.Context, raw string, obs scan.Observer) (scan.Verdict, error)
	Extract(ctx context.Context, raw string, obs scan.Observer) (scan.Extraction, error)
	Available() error
	Schema() *features.Schema
}

type Options struct {
	Limiter     *Limiter
	Templates   string // directory with index.html; empty uses the embedded copy
	ScanTimeout time.Duration
}

type Server struct {
	scanner     Scanner
	limiter     *Limiter
	tmpl        *template.Template
	upgrader    websocket.Upgrader
	scanTimeout time.Duration
}

func New(scanner Scanner, opts Options) (*Server, error) {
	var (
		tmpl *template.Template
		err  error
	)
	if opts.Templates != "" {
		tmpl, err = template.ParseGlob(filepath.Join(opts.Templates, "*.html"))
	} else {
		tmpl, err = template.ParseFS(embedded, "templates/*.html")
	}
	if err != nil {
		return nil, err
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = 30 * time.Second
	}
	return &Server{
		scanner:     scanner,
		limiter:     opts.Limiter,
		tmpl:        tmpl,
		scanTimeout: opts.ScanTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}, nil
}

// Routes registers every endpoint on a fresh mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.IndexHandler)
	mux.HandleFunc("POST /scan", s.limit(s.ScanFormHandler))
	mux.HandleFunc("POST /api/scan", s.limit(s.APIScanHandler))
	mux.HandleFunc("POST /api/features", s.limit(s.FeaturesHandler))
	mux.HandleFunc("GET /ws", s.WSHandler)
	mux.HandleFunc("GET /healthz", s.HealthHandler)
	return logRequests(mux)
}

type ScanRequest struct {
	URL string `json:"url"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type featureRow struct {
	Name   string
	Value  float64
	Scaled float64
}

type pageData struct {
	URL      string
	Error    string
	Verdict  *scan.Verdict
	Features []featureRow
	Model    bool
}

func (s *Server) IndexHandler(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, pageData{Model: s.scanner.Available() == nil})
}

func (s *Server) ScanFormHandler(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.FormValue("url"))
	data := pageData{URL: raw, Model: s.scanner.Available() == nil}
	if raw == "" {
		data.Error = "Please enter a URL."
		s.render(w, http.StatusBadRequest, data)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.scanTimeout)
	defer cancel()

	v, err := s.scanner.Scan(ctx, raw, nil)
	if err != nil {
		data.Error = userMessage(err)
		s.render(w, statusFor(err), data)
		return
	}

	data.Verdict = &v
	for _, n := range s.scanner.Schema().Names() {
		data.Features = append(data.Features, featureRow{
			Name:   string(n),
			Value:  v.Features[string(n)],
			Scaled: v.ScaledFeatures[string(n)],
		})
	}
	s.render(w, http.StatusOK, data)
}

func (s *Server) APIScanHandler(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.URL) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "url required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.scanTimeout)
	defer cancel()

	v, err := s.scanner.Scan(ctx, req.URL, nil)
	if err != nil {
		writeJSON(w, statusFor(err), errorResponse{Error: userMessage(err)})
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) FeaturesHandler(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.URL) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "url required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.scanTimeout)
	defer cancel()

	ex, err := s.scanner.Extract(ctx, req.URL, nil)
	if err != nil {
		writeJSON(w, statusFor(err), errorResponse{Error: userMessage(err)})
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok", "model": true, "schema": s.scanner.Schema().Revision()}
	if err := s.scanner.Available(); err != nil {
		status["model"] = false
		status["model_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) render(w http.ResponseWriter, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.tmpl.ExecuteTemplate(w, "index.html", data); err != nil {
		log.Error().Str("component", "web").Err(err).Msg("template render failed")
	}
}

func (s *Server) limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
			return
		}
		next(w, r)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, features.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, scoring.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, features.ErrInvalidURL):
		return err.Error()
	case errors.Is(err, scoring.ErrModelUnavailable):
		return "The classifier is not loaded. Feature extraction is still available."
	case errors.Is(err, context.DeadlineExceeded):
		return "The scan timed out."
	default:
		return "Internal error while scanning."
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Str("component", "web").Err(err).Msg("response write failed")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack is required by the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Info().Str("component", "web").Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", rec.status).Dur("elapsed", time.Since(start)).Str("client", clientIP(r)).Msg("request")
	})
}
