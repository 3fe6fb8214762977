package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/roundtable/internal/api/ws"
	"github.com/gosuda/roundtable/internal/collab"
	"github.com/gosuda/roundtable/internal/decision"
	"github.com/gosuda/roundtable/internal/domain"
	"github.com/gosuda/roundtable/internal/pubsub"
	"github.com/gosuda/roundtable/internal/pubsub/memory"
	"github.com/gosuda/roundtable/internal/session"
	"github.com/gosuda/roundtable/internal/store/jsonfile"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type mockRunner struct {
	mu       sync.Mutex
	contents []string
	submitFn func(ctx context.Context, sessionID uuid.UUID, content string) (collab.Submission, error)
}

func (m *mockRunner) Submit(ctx context.Context, sessionID uuid.UUID, content string) (collab.Submission, error) {
	m.mu.Lock()
	m.contents = append(m.contents, content)
	fn := m.submitFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, sessionID, content)
	}
	return collab.Submission{Started: true}, nil
}

func (m *mockRunner) submitted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.contents...)
}

type fixture struct {
	srv       *httptest.Server
	reg       *session.Registry
	broker    *memory.Broker
	decisions *decision.Broker
	runner    *mockRunner
	channel   *ws.Channel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := jsonfile.New(filepath.Join(t.TempDir(), "sessions"))
	require.NoError(t, err)

	broker := memory.New(64)
	reg := session.NewRegistry(store, broker)
	decisions := decision.NewBroker(reg, decision.WithTimeout(time.Minute))
	runner := &mockRunner{}
	channel := ws.NewChannel(reg, runner, decisions, broker, nil)

	r := chi.NewRouter()
	r.Get("/ws/sessions/{sessionID}", channel.ServeSession)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		_ = broker.Close()
	})

	return &fixture{srv: srv, reg: reg, broker: broker, decisions: decisions, runner: runner, channel: channel}
}

func (f *fixture) create(t *testing.T) uuid.UUID {
	t.Helper()

	id, err := f.reg.Create(context.Background(), "alice", "build a CLI todo app")
	require.NoError(t, err)
	return id
}

func (f *fixture) dial(t *testing.T, id uuid.UUID) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/sessions/" + id.String()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

type received struct {
	Type domain.EventType `json:"type"`
	Seq  int              `json:"seq"`
	Data json.RawMessage  `json:"data"`
}

func read(t *testing.T, conn *websocket.Conn) received {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var evt received
	require.NoError(t, wsjson.Read(ctx, conn, &evt))
	return evt
}

// readUntil skips events until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ domain.EventType) received {
	t.Helper()

	for range 20 {
		evt := read(t, conn)
		if evt.Type == typ {
			return evt
		}
	}
	t.Fatalf("no %s event", typ)
	return received{}
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, v))
}

// ---------------------------------------------------------------------------
// Handshake / snapshot
// ---------------------------------------------------------------------------

func TestChannel_RejectsBadSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/ws/sessions/not-a-uuid")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/ws/sessions/" + uuid.New().String())
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChannel_SnapshotThenLiveMessages(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.create(t)
	ctx := context.Background()

	_, err := f.reg.Append(ctx, id, domain.SpeakerUser, "build a CLI todo app", nil)
	require.NoError(t, err)

	conn := f.dial(t, id)

	snap := read(t, conn)
	require.Equal(t, domain.EventConversationData, snap.Type)
	assert.Equal(t, 1, snap.Seq)

	var sess domain.Session
	require.NoError(t, json.Unmarshal(snap.Data, &sess))
	assert.Equal(t, id, sess.ID)
	require.Len(t, sess.Messages, 1)

	_, err = f.reg.Append(ctx, id, domain.Speaker("claude"), "hello", nil)
	require.NoError(t, err)

	evt := read(t, conn)
	assert.Equal(t, domain.EventMessageAppended, evt.Type)
	assert.Equal(t, 2, evt.Seq)

	var msg domain.Message
	require.NoError(t, json.Unmarshal(evt.Data, &msg))
	assert.Equal(t, "hello", msg.Content)
}

func TestChannel_SkipsMessagesCoveredBySnapshot(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.create(t)
	ctx := context.Background()

	for range 2 {
		_, err := f.reg.Append(ctx, id, domain.SpeakerUser, "earlier", nil)
		require.NoError(t, err)
	}

	conn := f.dial(t, id)
	snap := read(t, conn)
	require.Equal(t, 2, snap.Seq)

	// a late duplicate of an already-snapshotted message
	stale, err := json.Marshal(domain.Event{Type: domain.EventMessageAppended, SessionID: id, Seq: 2})
	require.NoError(t, err)
	require.NoError(t, f.broker.Publish(ctx, pubsub.SessionChannel(id), stale))

	_, err = f.reg.Append(ctx, id, domain.SpeakerUser, "fresh", nil)
	require.NoError(t, err)

	evt := read(t, conn)
	assert.Equal(t, domain.EventMessageAppended, evt.Type)
	assert.Equal(t, 3, evt.Seq)
}

func TestChannel_PendingDecisionReplayed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.create(t)

	askCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_, _ = f.decisions.Ask(askCtx, id, decision.Question{Text: "Proceed?", Options: []string{"continue", "abort"}})
	}()
	require.Eventually(t, func() bool { return len(f.decisions.Pending(id)) == 1 }, 2*time.Second, 5*time.Millisecond)

	conn := f.dial(t, id)
	assert.Equal(t, domain.EventConversationData, read(t, conn).Type)

	evt := read(t, conn)
	require.Equal(t, domain.EventDecisionRequired, evt.Type)
	var prompt domain.DecisionPrompt
	require.NoError(t, json.Unmarshal(evt.Data, &prompt))
	assert.Equal(t, "Proceed?", prompt.Question)

	send(t, conn, map[string]string{"type": "decision_response", "decision_id": prompt.DecisionID.String(), "answer": "abort"})

	require.Eventually(t, func() bool {
		sess, err := f.reg.Get(context.Background(), id)
		return err == nil && len(sess.Decisions) == 1 && sess.Decisions[0].Answer == "abort"
	}, 2*time.Second, 5*time.Millisecond)
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

func TestChannel_UserMessageSubmits(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.create(t)
	conn := f.dial(t, id)
	read(t, conn)

	send(t, conn, map[string]any{"type": "user_message", "content": "add a sqlite backend"})

	require.Eventually(t, func() bool {
		return len(f.runner.submitted()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "add a sqlite backend", f.runner.submitted()[0])
}

func TestChannel_InvalidPayloadYieldsError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.create(t)
	conn := f.dial(t, id)
	read(t, conn)

	send(t, conn, map[string]any{"type": "user_message", "content": ""})

	evt := read(t, conn)
	assert.Equal(t, domain.EventError, evt.Type)
	assert.Empty(t, f.runner.submitted())
}

func TestChannel_UnrecognizedIgnoredAndResync(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.create(t)
	conn := f.dial(t, id)
	read(t, conn)

	send(t, conn, map[string]any{"type": "get_conversation"})
	send(t, conn, map[string]any{"type": "resync_request"})

	// the unknown type produces nothing; the next event is the resync snapshot
	evt := read(t, conn)
	assert.Equal(t, domain.EventConversationData, evt.Type)
}

func TestChannel_ModelSelection(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.create(t)
	conn := f.dial(t, id)
	read(t, conn)

	send(t, conn, map[string]any{"type": "model_selection", "models": map[string]string{"gemini": "gemini-1.5-pro", "claude": "claude-3-opus"}})

	evt := readUntil(t, conn, domain.EventMessageAppended)
	var msg domain.Message
	require.NoError(t, json.Unmarshal(evt.Data, &msg))
	assert.Equal(t, domain.SpeakerSystem, msg.Speaker)
	assert.Equal(t, "Models updated: claude=claude-3-opus, gemini=gemini-1.5-pro", msg.Content)

	sess, err := f.reg.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "gemini-1.5-pro", sess.SelectedModels["gemini"])
}

func TestChannel_NewConnectionSupersedesOld(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.create(t)

	first := f.dial(t, id)
	read(t, first)

	second := f.dial(t, id)
	read(t, second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := first.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))

	assert.True(t, f.channel.Connected(id))
}

func TestChannel_DisconnectUnsubscribes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.create(t)

	conn := f.dial(t, id)
	read(t, conn)
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))

	require.Eventually(t, func() bool {
		return !f.channel.Connected(id) && f.broker.Subscribers(pubsub.SessionChannel(id)) == 0
	}, 2*time.Second, 5*time.Millisecond)

	// appends continue without a subscriber
	_, err := f.reg.Append(context.Background(), id, domain.SpeakerUser, "still works", nil)
	require.NoError(t, err)
}
