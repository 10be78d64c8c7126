package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"docsflow/api/internal/publish"
	"docsflow/api/internal/search"
	"docsflow/api/internal/store"
	"docsflow/api/internal/structdiff"
	"docsflow/api/internal/workspace"
)

const maxWebhookBody = 5 << 20

type HTTPServer struct {
	service     *Service
	corsOrigins []string
	logger      *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigins []string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigins: corsOrigins, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
	})
	return c.Handler(s.withMiddleware(http.HandlerFunc(s.handle)))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	isGet := r.Method == http.MethodGet || r.Method == http.MethodHead

	switch {
	case isGet && r.URL.Path == "/api/health":
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	case isGet && r.URL.Path == "/api/ready":
		s.handleReady(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/api/webhooks/github":
		s.handleWebhook(w, r)
		return
	case isGet && r.URL.Path == "/api/events":
		s.handleEvents(w, r)
		return
	case isGet && r.URL.Path == "/api/search":
		s.handleSearch(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/api/branches/sync":
		report, err := s.service.publisher.SyncBranches(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	switch parts[1] {
	case "entities":
		s.handleEntities(w, r, parts[2:])
	case "document":
		s.handleDocument(w, r, parts[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"store":  map[string]any{"status": "ok"},
		"search": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["store"] = map[string]any{"status": "error", "error": err.Error()}
	}
	// Search degrades to the fallback searcher, so it never blocks readiness.
	if s.service.search != nil && !s.service.search.Healthy() {
		checks["search"] = map[string]any{"status": "degraded"}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleEntities serves /api/entities and /api/entities/{name}/{action}.
func (s *HTTPServer) handleEntities(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entities": s.service.catalog.All()})
		return
	}
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	entity, err := s.service.entity(parts[0])
	if err != nil {
		s.fail(w, r, err)
		return
	}

	switch {
	case r.Method == http.MethodGet && parts[1] == "documents":
		unpublished, _ := strconv.ParseBool(r.URL.Query().Get("unpublished"))
		docs, err := s.service.ListDocuments(r.Context(), entity.Name, unpublished)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": docs})

	case r.Method == http.MethodGet && parts[1] == "tree":
		snapshot, err := s.service.trees.Snapshot(r.Context(), entity.Path)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snapshot)

	case r.Method == http.MethodPost && parts[1] == "sync":
		res, err := s.service.trees.Sync(r.Context(), entity.Path)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	case r.Method == http.MethodPost && parts[1] == "publish":
		var body struct {
			DocumentID string       `json:"documentId"`
			Actor      store.Author `json:"actor"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		res, err := s.service.publisher.Publish(r.Context(), publish.Request{
			Entity:     entity.Name,
			DocumentID: body.DocumentID,
			Actor:      body.Actor,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handleDocument serves /api/document[/{action}]. Document paths contain
// slashes, so they travel in the query string or the body.
func (s *HTTPServer) handleDocument(w http.ResponseWriter, r *http.Request, parts []string) {
	action := ""
	if len(parts) > 0 {
		action = parts[0]
	}
	ctx := r.Context()

	switch {
	case r.Method == http.MethodGet && action == "":
		doc, err := s.service.workspace.Open(ctx, r.URL.Query().Get("path"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)

	case r.Method == http.MethodPut && action == "":
		var body struct {
			Path              string       `json:"path"`
			Content           string       `json:"content"`
			ExpectedUpdatedAt *time.Time   `json:"expectedUpdatedAt"`
			Author            store.Author `json:"author"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		req := workspace.SaveRequest{Path: body.Path, Content: body.Content, Author: body.Author}
		if body.ExpectedUpdatedAt != nil {
			req.Expected = *body.ExpectedUpdatedAt
		}
		doc, err := s.service.workspace.SaveDraft(ctx, req)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)

	case r.Method == http.MethodGet && action == "history":
		s.handleHistory(w, r)

	case r.Method == http.MethodPost && action == "reconcile":
		var body struct {
			Path     string `json:"path"`
			Buffer   string `json:"buffer"`
			Baseline string `json:"baseline"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		res, err := s.service.Reconcile(ctx, body.Path, body.Buffer, body.Baseline)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	case r.Method == http.MethodPost && action == "resolve":
		var body struct {
			Path     string                     `json:"path"`
			Buffer   string                     `json:"buffer"`
			Baseline string                     `json:"baseline"`
			Picks    map[string]structdiff.Pick `json:"picks"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		res, err := s.service.workspace.ResolveStructured(ctx, body.Path, body.Buffer, body.Baseline, body.Picks)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	case r.Method == http.MethodPost && action == "refresh":
		var body struct {
			Path string `json:"path"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		res, err := s.service.workspace.RefreshFromRemote(ctx, body.Path)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	case r.Method == http.MethodPost && action == "resolve-upstream":
		var body struct {
			Path              string       `json:"path"`
			Content           string       `json:"content"`
			ExpectedUpdatedAt *time.Time   `json:"expectedUpdatedAt"`
			Author            store.Author `json:"author"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		req := workspace.ResolveUpstreamRequest{Path: body.Path, Content: body.Content, Author: body.Author}
		if body.ExpectedUpdatedAt != nil {
			req.Expected = *body.ExpectedUpdatedAt
		}
		doc, err := s.service.workspace.ResolveUpstream(ctx, req)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handleHistory returns the journal of a document. With ?upto=n it also
// returns the content after the first n records.
func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docPath := r.URL.Query().Get("path")
	doc, err := s.service.workspace.Open(ctx, docPath)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	history, err := s.service.workspace.History(ctx, docPath)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response := map[string]any{"path": doc.ID, "history": history}

	if raw := r.URL.Query().Get("upto"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "upto must be a non-negative integer", nil)
			return
		}
		content, err := s.service.workspace.ReplayTo(doc, n)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		response["content"] = content
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := search.Query{
		Text:   strings.TrimSpace(q.Get("q")),
		Entity: q.Get("entity"),
		Status: q.Get("status"),
	}
	query.Limit, _ = strconv.Atoi(q.Get("limit"))
	query.Offset, _ = strconv.Atoi(q.Get("offset"))
	if query.Text == "" {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "q is required", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.service.search.Search(r.Context(), query))
}

func (s *HTTPServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Unreadable body", nil)
		return
	}
	if secret := s.service.cfg.GitHubWebhookSecret; secret != "" {
		if !verifySignature(secret, body, r.Header.Get("X-Hub-Signature-256")) {
			writeError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "Signature mismatch", nil)
			return
		}
	}

	switch event := r.Header.Get("X-GitHub-Event"); event {
	case "ping":
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	case "push":
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"ignored": true, "event": event})
		return
	}

	var push PushEvent
	if err := json.Unmarshal(body, &push); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
		return
	}
	report, err := s.service.HandlePush(r.Context(), push)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("Cache-Control", "no-store")
		writer.Header().Set("Content-Type", "application/json")
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		s.logger.Info("http request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Duration("duration", time.Since(started)),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
