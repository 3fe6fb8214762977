package notify_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	slacklib "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/roundtable/internal/domain"
	"github.com/gosuda/roundtable/internal/notify"
)

const testSigningSecret = "test-signing-secret-12345"

// --- mock Resolver ---

type resolveCall struct {
	SessionID  uuid.UUID
	DecisionID uuid.UUID
	Answer     string
}

type mockResolver struct {
	mu    sync.Mutex
	calls []resolveCall
	err   error
}

func (m *mockResolver) Resolve(sessionID, decisionID uuid.UUID, answer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, resolveCall{SessionID: sessionID, DecisionID: decisionID, Answer: answer})
	return m.err
}

// --- signature helpers ---

func computeSlackSignature(secret, timestamp, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("v0:%s:%s", timestamp, body)))
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func signedFormRequest(secret, formBody string) *http.Request {
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/slack/interactions", strings.NewReader(formBody))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", computeSlackSignature(secret, ts, formBody))
	return req
}

// clickPayload renders the form body Slack sends when a button from
// BuildDecisionBlocks is clicked.
func clickPayload(t *testing.T, sessionID uuid.UUID, prompt domain.DecisionPrompt, option int) string {
	t.Helper()

	blocks := notify.BuildDecisionBlocks("q", sessionID, prompt)
	require.Len(t, blocks, 2)
	actions, ok := blocks[1].(*slacklib.ActionBlock)
	require.True(t, ok)
	button, ok := actions.Elements.ElementSet[option].(*slacklib.ButtonBlockElement)
	require.True(t, ok)

	callback := map[string]any{
		"type": "block_actions",
		"actions": []map[string]any{{
			"action_id": button.ActionID,
			"block_id":  actions.BlockID,
			"value":     button.Value,
			"type":      "button",
		}},
	}
	raw, err := json.Marshal(callback)
	require.NoError(t, err)
	return url.Values{"payload": {string(raw)}}.Encode()
}

// ---------------------------------------------------------------------------

func TestInteractionHandler(t *testing.T) {
	t.Parallel()

	prompt := domain.DecisionPrompt{
		DecisionID: uuid.New(),
		Question:   "Proceed?",
		Options:    []string{"continue", "modify", "abort"},
		Default:    "continue",
	}

	t.Run("button click resolves the decision", func(t *testing.T) {
		t.Parallel()

		resolver := &mockResolver{}
		h := notify.NewInteractionHandler(testSigningSecret, resolver)
		sessionID := uuid.New()

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedFormRequest(testSigningSecret, clickPayload(t, sessionID, prompt, 2)))

		assert.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, resolver.calls, 1)
		assert.Equal(t, sessionID, resolver.calls[0].SessionID)
		assert.Equal(t, prompt.DecisionID, resolver.calls[0].DecisionID)
		assert.Equal(t, "abort", resolver.calls[0].Answer)
	})

	t.Run("bad signature is rejected", func(t *testing.T) {
		t.Parallel()

		resolver := &mockResolver{}
		h := notify.NewInteractionHandler(testSigningSecret, resolver)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedFormRequest("wrong-secret", clickPayload(t, uuid.New(), prompt, 0)))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, resolver.calls)
	})

	t.Run("missing payload", func(t *testing.T) {
		t.Parallel()

		h := notify.NewInteractionHandler(testSigningSecret, &mockResolver{})

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedFormRequest(testSigningSecret, "foo=bar"))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("payload is read from the form only", func(t *testing.T) {
		t.Parallel()

		resolver := &mockResolver{}
		h := notify.NewInteractionHandler(testSigningSecret, resolver)

		req := signedFormRequest(testSigningSecret, clickPayload(t, uuid.New(), prompt, 0))
		req.Header.Set("Content-Type", "text/plain")

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, resolver.calls)
	})

	t.Run("foreign block ids are ignored", func(t *testing.T) {
		t.Parallel()

		resolver := &mockResolver{}
		h := notify.NewInteractionHandler(testSigningSecret, resolver)

		raw := `{"type":"block_actions","actions":[{"block_id":"something_else","value":"x","type":"button"}]}`
		body := url.Values{"payload": {raw}}.Encode()

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedFormRequest(testSigningSecret, body))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, resolver.calls)
	})

	t.Run("resolve failure still acknowledges", func(t *testing.T) {
		t.Parallel()

		resolver := &mockResolver{err: errors.New("gone")}
		h := notify.NewInteractionHandler(testSigningSecret, resolver)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedFormRequest(testSigningSecret, clickPayload(t, uuid.New(), prompt, 0)))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, resolver.calls, 1)
	})
}
