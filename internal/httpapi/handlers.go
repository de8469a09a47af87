package httpapi

import (
	"encoding/base64"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/NTBlok/ai-financial-agent/api/schemas"
	"github.com/NTBlok/ai-financial-agent/internal/audit"
	"github.com/NTBlok/ai-financial-agent/internal/fault"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// observeRequest is the wire shape the extension posts. The screenshot is
// base64 encoded and the timestamp is unix seconds with a fractional part.
type observeRequest struct {
	URL          string         `json:"url"`
	HTML         string         `json:"html"`
	Screenshot   string         `json:"screenshot,omitempty"`
	ViewportSize *viewportSize  `json:"viewport_size,omitempty"`
	Timestamp    float64        `json:"timestamp"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type viewportSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type actorRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	var req observeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, string(fault.KindValidation), "malformed request body", nil)
		return
	}

	snap, err := req.toSnapshot()
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.pipeline.Observe(r.Context(), snap)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	actionID := chi.URLParam(r, "actionID")
	result, err := s.pipeline.Execute(r.Context(), actionID)
	if err != nil {
		// A failed attempt still produced a durable result worth returning,
		// but the status code must reflect the failure.
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	actionID := chi.URLParam(r, "actionID")
	if err := s.pipeline.Cancel(actionID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	actionID := chi.URLParam(r, "actionID")
	status, err := s.pipeline.Status(r.Context(), actionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	actionID := chi.URLParam(r, "actionID")
	actor, ok := s.decodeActor(w, r)
	if !ok {
		return
	}
	entry, err := s.pipeline.Override(r.Context(), actionID, actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	actionID := chi.URLParam(r, "actionID")
	actor, ok := s.decodeActor(w, r)
	if !ok {
		return
	}
	status, err := s.pipeline.Retry(r.Context(), actionID, actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	opts, err := auditOptions(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	page, err := s.pipeline.Audit(r.Context(), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) decodeActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, string(fault.KindValidation), "malformed request body", nil)
		return "", false
	}
	if req.Actor == "" {
		writeErrorEnvelope(w, http.StatusBadRequest, string(fault.KindValidation), "actor is required", nil)
		return "", false
	}
	return req.Actor, true
}

// toSnapshot converts the wire request into the internal snapshot shape,
// applying the extension's default viewport.
func (req observeRequest) toSnapshot() (schemas.Snapshot, error) {
	viewport := schemas.Viewport{Width: 1920, Height: 1080}
	if req.ViewportSize != nil {
		viewport = schemas.Viewport{Width: req.ViewportSize.Width, Height: req.ViewportSize.Height}
	}

	var screenshot []byte
	if req.Screenshot != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.Screenshot)
		if err != nil {
			return schemas.Snapshot{}, fault.New(fault.KindValidation, "screenshot is not valid base64")
		}
		screenshot = decoded
	}

	if math.IsNaN(req.Timestamp) || math.IsInf(req.Timestamp, 0) || req.Timestamp <= 0 {
		return schemas.Snapshot{}, fault.New(fault.KindValidation, "timestamp must be positive unix seconds")
	}
	sec, frac := math.Modf(req.Timestamp)
	capturedAt := time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()

	return schemas.Snapshot{
		SourceURL:    req.URL,
		CapturedHTML: []byte(req.HTML),
		Screenshot:   screenshot,
		Viewport:     viewport,
		CapturedAt:   capturedAt,
		Metadata:     req.Metadata,
	}, nil
}

// auditOptions parses the audit query string. Unset limit defaults to 100 to
// match the extension's pagination.
func auditOptions(r *http.Request) (audit.QueryOptions, error) {
	q := r.URL.Query()
	opts := audit.QueryOptions{
		Limit:      100,
		ActionID:   q.Get("action_id"),
		SnapshotID: q.Get("snapshot_id"),
	}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return audit.QueryOptions{}, fault.New(fault.KindValidation, "limit must be an integer")
		}
		opts.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return audit.QueryOptions{}, fault.New(fault.KindValidation, "offset must be an integer")
		}
		opts.Offset = n
	}
	if raw := q.Get("event_type"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			opts.EventTypes = append(opts.EventTypes, schemas.AuditEventType(strings.TrimSpace(t)))
		}
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.QueryOptions{}, fault.New(fault.KindValidation, "from must be an RFC 3339 timestamp")
		}
		opts.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.QueryOptions{}, fault.New(fault.KindValidation, "to must be an RFC 3339 timestamp")
		}
		opts.To = t
	}
	return opts, nil
}

// errorEnvelope is the uniform error body.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeError maps a pipeline fault onto an HTTP status and the error
// envelope.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	status := statusOf(kind)
	code := string(kind)
	if code == "" {
		code = "INTERNAL_ERROR"
	}

	var details map[string]any
	var fe *fault.Error
	if errors.As(err, &fe) {
		details = map[string]any{}
		if fe.ActionID != "" {
			details["action_id"] = fe.ActionID
		}
		if fe.SnapshotID != "" {
			details["snapshot_id"] = fe.SnapshotID
		}
		if fe.State != "" {
			details["state"] = fe.State
		}
		if fe.Verdict != nil {
			details["policy_verdict"] = fe.Verdict
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("code", code), zap.Error(err))
	} else {
		s.logger.Debug("request rejected", zap.String("code", code), zap.Error(err))
	}
	writeErrorEnvelope(w, status, code, err.Error(), details)
}

func statusOf(kind fault.Kind) int {
	switch kind {
	case fault.KindValidation:
		return http.StatusBadRequest
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindInvalidState:
		return http.StatusConflict
	case fault.KindPolicy:
		return http.StatusForbidden
	case fault.KindTimeout:
		return http.StatusGatewayTimeout
	case fault.KindStorage:
		return http.StatusServiceUnavailable
	case fault.KindExecution:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErrorEnvelope(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message, Details: details}})
}
