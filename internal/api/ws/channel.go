// Package ws serves the per-session WebSocket delivery channel.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/roundtable/internal/collab"
	"github.com/gosuda/roundtable/internal/domain"
	"github.com/gosuda/roundtable/internal/pubsub"
)

const writeTimeout = 10 * time.Second

// Sessions is the registry surface used by the channel.
type Sessions interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	Append(ctx context.Context, id uuid.UUID, speaker domain.Speaker, content string, metadata map[string]any) (domain.Message, error)
	AttachModels(ctx context.Context, id uuid.UUID, models map[string]string) error
}

// Runner starts collaboration runs. *collab.Scheduler satisfies this interface.
type Runner interface {
	Submit(ctx context.Context, sessionID uuid.UUID, content string) (collab.Submission, error)
}

// Decisions resolves pending human decisions. *decision.Broker satisfies this interface.
type Decisions interface {
	Resolve(sessionID, decisionID uuid.UUID, answer string) error
	Pending(sessionID uuid.UUID) []domain.DecisionPrompt
}

type subscriber struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// Channel pushes session events to at most one client per session and
// dispatches the client's inbound events.
type Channel struct {
	sessions  Sessions
	runner    Runner
	decisions Decisions
	broker    pubsub.Broker
	accept    *websocket.AcceptOptions

	mu   sync.Mutex
	subs map[uuid.UUID]*subscriber
}

// NewChannel creates a Channel. originPatterns is passed to the WebSocket
// handshake; empty means same-origin only.
func NewChannel(sessions Sessions, runner Runner, decisions Decisions, broker pubsub.Broker, originPatterns []string) *Channel {
	return &Channel{
		sessions:  sessions,
		runner:    runner,
		decisions: decisions,
		broker:    broker,
		accept:    &websocket.AcceptOptions{OriginPatterns: originPatterns},
		subs:      make(map[uuid.UUID]*subscriber),
	}
}

// Connected reports whether a client is subscribed to the session.
func (c *Channel) Connected(sessionID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[sessionID]
	return ok
}

// ServeSession handles GET /ws/sessions/{sessionID}.
func (c *Channel) ServeSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	if _, err = c.sessions.Get(r.Context(), sessionID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("session_id", sessionID.String()).Msg("ws: load session")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// The server's read and write timeouts would otherwise carry over to
	// the hijacked connection.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, c.accept)
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := &subscriber{conn: conn, cancel: cancel}
	c.attach(sessionID, sub)
	defer c.detach(sessionID, sub)

	// Subscribe before the snapshot so nothing appended in between is lost.
	messages, cleanup, err := c.broker.Subscribe(ctx, pubsub.SessionChannel(sessionID))
	if err != nil {
		log.Error().Err(err).Msg("websocket subscribe")
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cleanup()

	s := &stream{
		channel:   c,
		conn:      conn,
		sessionID: sessionID,
		resync:    make(chan struct{}, 1),
		direct:    make(chan domain.Event, 16),
	}

	go s.readLoop(ctx, cancel)
	s.writeLoop(ctx, messages)
}

func (c *Channel) attach(sessionID uuid.UUID, sub *subscriber) {
	c.mu.Lock()
	prev := c.subs[sessionID]
	c.subs[sessionID] = sub
	c.mu.Unlock()

	if prev != nil {
		log.Debug().Str("session_id", sessionID.String()).Msg("websocket subscriber superseded")
		// Close waits for the peer's close frame; don't hold up the new subscriber.
		go func() {
			_ = prev.conn.Close(websocket.StatusPolicyViolation, "superseded")
			prev.cancel()
		}()
	}
}

func (c *Channel) detach(sessionID uuid.UUID, sub *subscriber) {
	c.mu.Lock()
	if c.subs[sessionID] == sub {
		delete(c.subs, sessionID)
	}
	c.mu.Unlock()
}

// stream is one live connection. writeLoop is the only writer.
type stream struct {
	channel   *Channel
	conn      *websocket.Conn
	sessionID uuid.UUID
	resync    chan struct{}
	direct    chan domain.Event

	lastSeq int // highest message seq delivered; owned by writeLoop
}

func (s *stream) writeLoop(ctx context.Context, messages <-chan []byte) {
	if err := s.sendSnapshot(ctx); err != nil {
		log.Debug().Err(err).Msg("websocket snapshot")
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = s.conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case raw, ok := <-messages:
			if !ok {
				// The broker dropped us; the client reconnects and resyncs.
				_ = s.conn.Close(websocket.StatusTryAgainLater, "resync required")
				return
			}
			if err := s.forward(ctx, raw); err != nil {
				log.Debug().Err(err).Msg("websocket write")
				return
			}
		case <-s.resync:
			if err := s.sendSnapshot(ctx); err != nil {
				log.Debug().Err(err).Msg("websocket snapshot")
				return
			}
		case evt := <-s.direct:
			if err := s.write(ctx, evt); err != nil {
				log.Debug().Err(err).Msg("websocket write")
				return
			}
		}
	}
}

// sendSnapshot writes conversation_data followed by any pending decisions.
func (s *stream) sendSnapshot(ctx context.Context) error {
	sess, err := s.channel.sessions.Get(ctx, s.sessionID)
	if err != nil {
		return fmt.Errorf("ws.stream.sendSnapshot: %w", err)
	}

	s.lastSeq = sess.LastSeq()
	if err = s.write(ctx, domain.Event{
		Type:      domain.EventConversationData,
		SessionID: s.sessionID,
		Seq:       s.lastSeq,
		Data:      sess,
		Timestamp: time.Now(),
	}); err != nil {
		return err
	}

	for _, p := range s.channel.decisions.Pending(s.sessionID) {
		if err = s.write(ctx, domain.Event{
			Type:      domain.EventDecisionRequired,
			SessionID: s.sessionID,
			Data:      p,
			Timestamp: time.Now(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// forward relays a broker payload, skipping messages the last snapshot covered.
func (s *stream) forward(ctx context.Context, raw []byte) error {
	var head struct {
		Type domain.EventType `json:"type"`
		Seq  int              `json:"seq"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		log.Warn().Err(err).Msg("ws: undecodable broker payload")
		return nil
	}

	if head.Type == domain.EventMessageAppended {
		if head.Seq <= s.lastSeq {
			return nil
		}
		s.lastSeq = head.Seq
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(writeCtx, websocket.MessageText, raw)
}

func (s *stream) write(ctx context.Context, evt domain.Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, s.conn, evt)
}

func (s *stream) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	for {
		_, raw, err := s.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
				log.Debug().Err(err).Str("session_id", s.sessionID.String()).Msg("websocket read")
			}
			return
		}

		evt, err := Decode(raw)
		if err != nil {
			s.fail(ctx, err.Error())
			continue
		}
		s.dispatch(ctx, evt)
	}
}

func (s *stream) dispatch(ctx context.Context, evt Inbound) {
	logger := log.With().Str("session_id", s.sessionID.String()).Logger()

	switch e := evt.(type) {
	case UserMessage:
		if len(e.Models) > 0 {
			if err := s.selectModels(ctx, e.Models); err != nil {
				s.fail(ctx, "could not update models: "+err.Error())
				return
			}
		}
		if _, err := s.channel.runner.Submit(ctx, s.sessionID, e.Content); err != nil && !errors.Is(err, domain.ErrBusy) {
			logger.Error().Err(err).Msg("ws: submit")
			s.fail(ctx, "could not process message: "+err.Error())
		}
	case DecisionResponse:
		if err := s.channel.decisions.Resolve(s.sessionID, e.DecisionID, e.Answer); err != nil {
			s.fail(ctx, "no pending decision to answer")
		}
	case ModelSelection:
		if err := s.selectModels(ctx, e.Models); err != nil {
			s.fail(ctx, "could not update models: "+err.Error())
		}
	case ResyncRequest:
		select {
		case s.resync <- struct{}{}:
		default:
		}
	case Unrecognized:
		logger.Debug().Str("type", e.Type).Msg("ws: ignoring unrecognized event")
	}
}

func (s *stream) selectModels(ctx context.Context, models map[string]string) error {
	if err := s.channel.sessions.AttachModels(ctx, s.sessionID, models); err != nil {
		return err
	}

	parts := make([]string, 0, len(models))
	for _, slot := range slices.Sorted(maps.Keys(models)) {
		parts = append(parts, slot+"="+models[slot])
	}
	_, err := s.channel.sessions.Append(ctx, s.sessionID, domain.SpeakerSystem, "Models updated: "+strings.Join(parts, ", "), nil)
	return err
}

// fail queues an error event for this client only.
func (s *stream) fail(ctx context.Context, msg string) {
	evt := domain.Event{
		Type:      domain.EventError,
		SessionID: s.sessionID,
		Data:      domain.ErrorData{Message: msg},
		Timestamp: time.Now(),
	}
	select {
	case s.direct <- evt:
	case <-ctx.Done():
	}
}
