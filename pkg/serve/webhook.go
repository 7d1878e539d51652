// Package serve is the HTTP ingress for webhook deliveries. Each delivery
// is decoded, routed into the dispatcher and recorded in ndjson logs under
// the state directory.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	ghapi "github.com/google/go-github/v68/github"

	"github.com/holon-run/miyabi/pkg/dispatch"
	"github.com/holon-run/miyabi/pkg/event"
	"github.com/holon-run/miyabi/pkg/failure"
	miyabilog "github.com/holon-run/miyabi/pkg/log"
)

const (
	DefaultRetryAfter   = 30 * time.Second
	DefaultMaxBodyBytes = 10 << 20
)

// Submitter accepts decoded events. *dispatch.Dispatcher implements it.
type Submitter interface {
	Submit(ctx context.Context, ev event.Event) (dispatch.Submission, error)
	Stats() dispatch.Stats
}

// WebhookConfig configures the webhook server.
type WebhookConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr      string
	StateDir  string
	Submitter Submitter
	// Secret enables X-Hub-Signature-256 verification when set.
	Secret  string
	Decoder *event.Decoder
	// RetryAfter is advertised on 503 responses when the queue is full.
	RetryAfter   time.Duration
	MaxBodyBytes int64
}

// WebhookServer handles incoming webhook HTTP requests.
type WebhookServer struct {
	server     *http.Server
	handler    http.Handler
	submitter  Submitter
	decoder    *event.Decoder
	secret     []byte
	retryAfter time.Duration
	maxBody    int64
	eventsLog  *ndjsonWriter
	decLog     *ndjsonWriter
	deliveries *deliveryState
	now        func() time.Time
}

// NewWebhookServer opens the logs and delivery state under StateDir.
func NewWebhookServer(cfg WebhookConfig) (*WebhookServer, error) {
	if cfg.Submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("state dir is required")
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	if cfg.Decoder == nil {
		cfg.Decoder = event.NewDecoder(nil)
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = DefaultRetryAfter
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	eventsLog, err := newNDJSONWriter(filepath.Join(cfg.StateDir, "events.ndjson"))
	if err != nil {
		return nil, err
	}
	decLog, err := newNDJSONWriter(filepath.Join(cfg.StateDir, "decisions.ndjson"))
	if err != nil {
		eventsLog.Close()
		return nil, err
	}
	deliveries, err := loadDeliveryState(filepath.Join(cfg.StateDir, "serve-state.json"), defaultDeliveryMax)
	if err != nil {
		eventsLog.Close()
		decLog.Close()
		return nil, err
	}

	ws := &WebhookServer{
		submitter:  cfg.Submitter,
		decoder:    cfg.Decoder,
		retryAfter: cfg.RetryAfter,
		maxBody:    cfg.MaxBodyBytes,
		eventsLog:  eventsLog,
		decLog:     decLog,
		deliveries: deliveries,
		now:        time.Now,
	}
	if cfg.Secret != "" {
		ws.secret = []byte(cfg.Secret)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/webhook", ws.handleWebhook)
	r.Get("/health", ws.handleHealth)
	ws.handler = r
	ws.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ws, nil
}

// Handler exposes the routes, for tests and embedding.
func (ws *WebhookServer) Handler() http.Handler {
	return ws.handler
}

// Start serves until ctx is cancelled.
func (ws *WebhookServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", ws.server.Addr)
	if err != nil {
		return fmt.Errorf("webhook server failed to listen: %w", err)
	}
	return ws.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (ws *WebhookServer) Serve(ctx context.Context, ln net.Listener) error {
	miyabilog.Info("webhook server listening", "addr", ln.Addr().String(), "path", "/webhook", "signed", len(ws.secret) > 0)

	errChan := make(chan error, 1)
	go func() {
		if err := ws.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("webhook server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		miyabilog.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ws.server.Shutdown(shutdownCtx)
		return nil
	case err := <-errChan:
		return err
	}
}

// Close flushes the delivery state and closes the log files.
func (ws *WebhookServer) Close() error {
	var errs []error
	errs = append(errs, ws.deliveries.Save())
	for _, w := range []*ndjsonWriter{ws.eventsLog, ws.decLog} {
		if w != nil {
			errs = append(errs, w.Close())
		}
	}
	return errors.Join(errs...)
}

type webhookResponse struct {
	Status     string        `json:"status"`
	Delivery   string        `json:"delivery,omitempty"`
	Rule       string        `json:"rule,omitempty"`
	Tasks      []offeredTask `json:"tasks,omitempty"`
	Superseded int           `json:"superseded,omitempty"`
	Error      string        `json:"error,omitempty"`
}

type offeredTask struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Target string `json:"target"`
	Result string `json:"result"`
}

func (ws *WebhookServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, ws.maxBody))
	r.Body.Close()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, webhookResponse{Status: "rejected", Error: "body too large"})
			return
		}
		miyabilog.Error("failed to read webhook body", "error", err)
		writeJSON(w, http.StatusBadRequest, webhookResponse{Status: "rejected", Error: "failed to read body"})
		return
	}

	delivery := ghapi.DeliveryID(r)
	ghEvent := ghapi.WebHookType(r)
	if len(ws.secret) > 0 {
		if err := ghapi.ValidateSignature(r.Header.Get(ghapi.SHA256SignatureHeader), body, ws.secret); err != nil {
			miyabilog.Warn("webhook signature rejected", "delivery", delivery, "event", ghEvent)
			writeJSON(w, http.StatusUnauthorized, webhookResponse{Status: "rejected", Delivery: delivery, Error: "invalid signature"})
			return
		}
	}
	if delivery != "" && ws.deliveries.Seen(delivery) {
		ws.writeDecision(DecisionRecord{Delivery: delivery, Status: "duplicate"})
		writeJSON(w, http.StatusOK, webhookResponse{Status: "duplicate", Delivery: delivery})
		return
	}

	ev, err := ws.decoder.FromHTTP(r.Header, body)
	ws.writeEvent(delivery, ghEvent, ev, err)
	if err != nil {
		if failure.Is(err, failure.UnsupportedEvent) {
			ws.deliveries.Mark(delivery)
			ws.writeDecision(DecisionRecord{Delivery: delivery, Status: "ignored", Reason: err.Error()})
			writeJSON(w, http.StatusAccepted, webhookResponse{Status: "ignored", Delivery: delivery, Error: err.Error()})
			return
		}
		ws.writeDecision(DecisionRecord{Delivery: delivery, Status: "rejected", Reason: err.Error()})
		writeJSON(w, http.StatusBadRequest, webhookResponse{Status: "rejected", Delivery: delivery, Error: err.Error()})
		return
	}

	sub, err := ws.submitter.Submit(r.Context(), ev)
	resp := webhookResponse{Status: "accepted", Delivery: delivery, Rule: sub.Rule, Superseded: sub.Superseded}
	for _, o := range sub.Offers {
		resp.Tasks = append(resp.Tasks, offeredTask{ID: o.Task.ID, Kind: string(o.Task.Kind), Target: o.Task.Target, Result: o.Result.String()})
	}
	rec := DecisionRecord{Delivery: delivery, Rule: sub.Rule, Tasks: resp.Tasks, Superseded: sub.Superseded}

	switch {
	case dispatch.IsQueueFull(err):
		rec.Status, rec.Reason = "busy", err.Error()
		ws.writeDecision(rec)
		w.Header().Set("Retry-After", strconv.Itoa(int(ws.retryAfter.Seconds())))
		resp.Status, resp.Error = "busy", "queue full"
		writeJSON(w, http.StatusServiceUnavailable, resp)
	case err != nil:
		rec.Status, rec.Reason = "failed", err.Error()
		ws.writeDecision(rec)
		resp.Status, resp.Error = "failed", err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
	default:
		ws.deliveries.Mark(delivery)
		rec.Status = "accepted"
		if sub.Rule == "" {
			rec.Status = "unmatched"
			resp.Status = "unmatched"
		}
		ws.writeDecision(rec)
		writeJSON(w, http.StatusAccepted, resp)
	}
}

func (ws *WebhookServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   ws.now().UTC().Format(time.RFC3339Nano),
		"queue":  ws.submitter.Stats(),
	})
}

func (ws *WebhookServer) writeEvent(delivery, ghEvent string, ev event.Event, decodeErr error) {
	rec := EventRecord{
		Delivery:   delivery,
		Header:     ghEvent,
		Kind:       string(ev.Kind),
		Action:     ev.Action,
		Identifier: ev.Identifier,
		Actor:      ev.Actor,
		Repository: ev.Repository,
		At:         ws.now().UTC(),
	}
	if decodeErr != nil {
		rec.Error = decodeErr.Error()
	}
	if err := ws.eventsLog.Write(rec); err != nil {
		miyabilog.Warn("failed to record event", "delivery", delivery, "error", err)
	}
}

func (ws *WebhookServer) writeDecision(rec DecisionRecord) {
	rec.At = ws.now().UTC()
	if err := ws.decLog.Write(rec); err != nil {
		miyabilog.Warn("failed to record decision", "delivery", rec.Delivery, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
