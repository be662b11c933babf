package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/i2y/docsgate/internal/domain"
	"github.com/i2y/docsgate/pkg/shared/toolwire"
)

// MessagesPath is where push sessions post their calls.
const MessagesPath = "/mcp/sse/messages"

// SSEConfig bounds the push surface.
type SSEConfig struct {
	// MaxSessions bounds concurrently open streams.
	MaxSessions int64
	// OutboxSize is how many finished responses may wait to be written to one stream.
	OutboxSize int
	// MaxPending bounds calls accepted but not yet answered per session.
	MaxPending int64
	// KeepAlive is the interval between comment frames on an idle stream.
	KeepAlive time.Duration
}

func (c SSEConfig) withDefaults() SSEConfig {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 256
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = 16
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 32
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 15 * time.Second
	}
	return c
}

type session struct {
	id         string
	clientID   string
	credential string
	outbox     chan []byte
	pending    *semaphore.Weighted
	ctx        context.Context
	cancel     context.CancelFunc
}

type broker struct {
	cfg      SSEConfig
	slots    *semaphore.Weighted
	mu       sync.RWMutex
	sessions map[string]*session
	logger   *slog.Logger
}

func newBroker(cfg SSEConfig, logger *slog.Logger) *broker {
	return &broker{
		cfg:      cfg,
		slots:    semaphore.NewWeighted(cfg.MaxSessions),
		sessions: make(map[string]*session),
		logger:   logger,
	}
}

func (b *broker) open(parent context.Context, clientID, credential string) (*session, bool) {
	if !b.slots.TryAcquire(1) {
		return nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	s := &session{
		id:         uuid.NewString(),
		clientID:   clientID,
		credential: credential,
		outbox:     make(chan []byte, b.cfg.OutboxSize),
		pending:    semaphore.NewWeighted(b.cfg.MaxPending),
		ctx:        ctx,
		cancel:     cancel,
	}
	b.mu.Lock()
	b.sessions[s.id] = s
	b.mu.Unlock()
	return s, true
}

func (b *broker) close(s *session) {
	b.mu.Lock()
	_, ok := b.sessions[s.id]
	delete(b.sessions, s.id)
	b.mu.Unlock()
	s.cancel()
	if ok {
		b.slots.Release(1)
	}
}

func (b *broker) get(id string) (*session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[id]
	return s, ok
}

func (b *broker) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

func (b *broker) closeAll() {
	b.mu.RLock()
	all := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		all = append(all, s)
	}
	b.mu.RUnlock()
	for _, s := range all {
		b.close(s)
	}
}

// handleSSEStream implements GET /mcp/sse. The first event names the endpoint
// for posting calls; each answer arrives later as a "message" event.
func (h *Handlers) handleSSEStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sess, ok := h.broker.open(r.Context(), clientID(r), r.Header.Get("Authorization"))
	if !ok {
		h.logger.Warn("Refusing push session, limit reached", slog.Int64("max_sessions", h.broker.cfg.MaxSessions))
		http.Error(w, "too many open sessions", http.StatusServiceUnavailable)
		return
	}
	defer h.broker.close(sess)
	log := h.logger.With(slog.String("session_id", sess.id), slog.String("client_id", sess.clientID))
	log.Info("Push session opened")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "endpoint", []byte(fmt.Sprintf("%s?session_id=%s", MessagesPath, sess.id))); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.broker.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-sess.ctx.Done():
			log.Info("Push session closed")
			return
		case msg := <-sess.outbox:
			if err := writeEvent(w, "message", msg); err != nil {
				log.Debug("Failed to write push event", slog.Any("error", err))
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// handleSSEMessage implements POST /mcp/sse/messages. Decoding happens
// synchronously; the call itself is answered on the session's stream.
func (h *Handlers) handleSSEMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.broker.get(r.URL.Query().Get("session_id"))
	if !ok {
		h.writeError(w, domain.NewValidationError("unknown or closed session"), "")
		return
	}
	dreq, wireID, err := h.decodeCall(w, r)
	if err != nil {
		h.writeError(w, err, wireID)
		return
	}
	if dreq.Credential == "" {
		dreq.Credential = sess.credential
	}
	if !sess.pending.TryAcquire(1) {
		h.writeError(w, busyError("too many pending calls on session"), wireID)
		return
	}

	go func() {
		defer sess.pending.Release(1)
		resp := toolwire.FromDomain(h.dispatcher.Handle(sess.ctx, dreq))
		b, err := json.Marshal(resp)
		if err != nil {
			h.logger.Error("Failed to encode push response", slog.Any("error", err))
			return
		}
		select {
		case sess.outbox <- b:
		case <-sess.ctx.Done():
			h.logger.Debug("Dropping response for closed session",
				slog.String("session_id", sess.id), slog.String("correlation_id", dreq.CorrelationID))
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": string(wireID), "status": "accepted"})
}
