package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/streamrelay/internal/streamrelay"
)

const (
	eventTypeHeader  = "X-Vendor-Event"
	signatureHeader  = "X-Hub-Signature-256"
	deliveryIDHeader = "X-Vendor-Delivery"
)

// webhookSchema is the shape every vendor payload must satisfy before the
// mapping table is consulted. Deliberately loose: vendors disagree on almost
// everything except "it is an object, action is a string if present, sender
// is an object if present".
const webhookSchema = `{
	"type": "object",
	"properties": {
		"action": {"type": "string"},
		"sender": {
			"type": "object",
			"properties": {
				"login": {"type": "string"},
				"name": {"type": "string"}
			}
		}
	}
}`

// kindMappings routes (vendor event type, action) pairs to canonical kinds.
// Pairs absent from this table are accepted but ignored; they never enter
// the event log.
var kindMappings = map[string]string{
	"issue_comment|created":               "forge.issue_comment.created",
	"pull_request_review_comment|created": "forge.review_comment.created",
	"pull_request|opened":                 "forge.pull_request.opened",
	"pull_request|closed":                 "forge.pull_request.closed",
	"issues|opened":                       "forge.issue.opened",
	"push|":                               "forge.branch.pushed",
	"message|posted":                      "chatroom.message.posted",
	"mention|created":                     "social.post.mentioned",
}

type ServerConfig struct {
	// Secret signs webhook bodies. Empty disables verification; callers are
	// expected to log that opt-out at startup.
	Secret string
	// AllowedEvents restricts which vendor event types may enter the log.
	// Empty means every mapped type is allowed.
	AllowedEvents []string
	MaxBodyBytes  int64
	SessionID     string
}

type Server struct {
	cfg      ServerConfig
	allowed  map[string]struct{}
	ledger   *streamrelay.DedupLedger
	events   *streamrelay.EventLog
	receipts *streamrelay.ReceiptLog
	notify   streamrelay.Notifier
	limiter  *streamrelay.NotifyLimiter
	onEvent  func(streamrelay.CanonicalEvent)

	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
}

type ServerOptions struct {
	Config   ServerConfig
	Ledger   *streamrelay.DedupLedger
	Events   *streamrelay.EventLog
	Receipts *streamrelay.ReceiptLog
	Notify   streamrelay.Notifier
	Limiter  *streamrelay.NotifyLimiter
	OnEvent  func(streamrelay.CanonicalEvent)
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Ledger == nil || opts.Events == nil || opts.Receipts == nil {
		return nil, streamrelay.ErrInvalidInput
	}
	cfg := opts.Config
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = streamrelay.NewNotifyLimiter(0)
	}
	allowed := map[string]struct{}{}
	for _, name := range cfg.AllowedEvents {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			allowed[name] = struct{}{}
		}
	}
	return &Server{
		cfg:      cfg,
		allowed:  allowed,
		ledger:   opts.Ledger,
		events:   opts.Events,
		receipts: opts.Receipts,
		notify:   opts.Notify,
		limiter:  limiter,
		onEvent:  opts.OnEvent,
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/webhook" && r.Method == http.MethodPost {
		s.handleWebhook(w, r)
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found")
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds limit")
		return
	}

	// Signature check happens before the body is parsed or logged in any way.
	if authErr := verifySignature(s.cfg.Secret, r.Header.Get(signatureHeader), body); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}

	eventType := strings.ToLower(strings.TrimSpace(r.Header.Get(eventTypeHeader)))
	if eventType == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing "+eventTypeHeader+" header")
		return
	}

	decoded, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	schema, err := s.compiledSchema()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if err := schema.Validate(decoded); err != nil {
		writeIgnored(w, "schema")
		return
	}

	payload, _ := decoded.(map[string]any)
	action := stringField(payload, "action")

	kind, ok := kindMappings[eventType+"|"+action]
	if !ok {
		writeIgnored(w, "unmapped")
		return
	}
	if len(s.allowed) > 0 {
		if _, ok := s.allowed[eventType]; !ok {
			writeIgnored(w, "not_allowed")
			return
		}
	}

	deliveryID := strings.TrimSpace(r.Header.Get(deliveryIDHeader))
	if deliveryID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing "+deliveryIDHeader+" header")
		return
	}
	ev, err := streamrelay.NewCanonicalEvent("webhook", deliveryID, kind, senderActor(payload), "", webhookPayload(eventType, action, payload))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if !s.ledger.Mark(ev.DedupKey()) {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "duplicate", "deliveryId": deliveryID})
		return
	}
	if err := s.events.Append(ev); err != nil {
		// Withdraw the mark so the vendor's retry of this delivery is not
		// answered as a duplicate of an event that was never logged.
		s.ledger.Forget(ev.DedupKey())
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if err := s.ledger.Save(); err != nil {
		log.Printf("webhook: ledger save failed: %v", err)
	}
	if err := s.receipts.Append(streamrelay.Receipt{
		TraceID:        ev.TraceID,
		IdempotencyKey: "whk_" + deliveryID,
		Actor:          "webhook",
		Action:         "webhook_ingest",
		Notes:          fmt.Sprintf("kind=%s delivery=%s", kind, deliveryID),
	}); err != nil {
		log.Printf("webhook: receipt append failed: %v", err)
	}

	if s.onEvent != nil {
		s.onEvent(ev)
	}
	if s.notify != nil && s.limiter.Allow() {
		// Best effort: a failed nudge never affects the response.
		s.notify(s.cfg.SessionID, fmt.Sprintf("[%s] %s by %s", ev.Source, ev.Kind, ev.Actor.Login))
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"traceId": ev.TraceID,
		"kind":    kind,
	})
}

func (s *Server) compiledSchema() (*jsonschema.Schema, error) {
	s.schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(webhookSchema))
		if err != nil {
			s.schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("webhook.json", doc); err != nil {
			s.schemaErr = err
			return
		}
		s.schema, s.schemaErr = compiler.Compile("webhook.json")
	})
	return s.schema, s.schemaErr
}

func senderActor(payload map[string]any) streamrelay.Actor {
	sender, _ := payload["sender"].(map[string]any)
	return streamrelay.Actor{
		Login:       stringField(sender, "login"),
		DisplayName: stringField(sender, "name"),
	}
}

func webhookPayload(eventType, action string, payload map[string]any) map[string]string {
	out := map[string]string{"eventType": eventType}
	if action != "" {
		out["action"] = action
	}
	for _, key := range []string{"title", "body", "ref", "url"} {
		if v := stringField(payload, key); v != "" {
			out[key] = v
		}
	}
	return out
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return strings.TrimSpace(v)
}

func writeIgnored(w http.ResponseWriter, reason string) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored", "reason": reason})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
