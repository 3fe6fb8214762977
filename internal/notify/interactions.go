package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	slacklib "github.com/slack-go/slack"
)

// Resolver delivers an answer to a pending decision. *decision.Broker satisfies this interface.
type Resolver interface {
	Resolve(sessionID, decisionID uuid.UUID, answer string) error
}

// InteractionHandler answers decisions from Slack button clicks.
type InteractionHandler struct {
	signingSecret string
	resolver      Resolver
}

// NewInteractionHandler creates a handler for POST /slack/interactions.
func NewInteractionHandler(signingSecret string, resolver Resolver) *InteractionHandler {
	return &InteractionHandler{signingSecret: signingSecret, resolver: resolver}
}

// ServeHTTP verifies the request signature and resolves the clicked decision.
func (h *InteractionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if verifyErr := h.verifySignature(r.Header, body); verifyErr != nil {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	// The body was consumed for verification; rebuild it for form parsing.
	r.Body = io.NopCloser(bytes.NewReader(body))
	if parseErr := r.ParseForm(); parseErr != nil {
		http.Error(w, "failed to parse form", http.StatusBadRequest)
		return
	}

	payload := r.FormValue("payload")
	if payload == "" {
		http.Error(w, "missing payload", http.StatusBadRequest)
		return
	}

	var callback slacklib.InteractionCallback
	if unmarshalErr := json.Unmarshal([]byte(payload), &callback); unmarshalErr != nil {
		http.Error(w, "invalid payload JSON", http.StatusBadRequest)
		return
	}

	for _, action := range callback.ActionCallback.BlockActions {
		sessionID, decisionID, ok := parseDecisionBlockID(action.BlockID)
		if !ok || action.Value == "" {
			continue
		}
		if resolveErr := h.resolver.Resolve(sessionID, decisionID, action.Value); resolveErr != nil {
			log.Warn().Err(resolveErr).
				Str("session_id", sessionID.String()).
				Str("decision_id", decisionID.String()).
				Msg("notify: slack interaction could not be resolved")
		}
		break
	}

	w.WriteHeader(http.StatusOK)
}

func (h *InteractionHandler) verifySignature(header http.Header, body []byte) error {
	sv, err := slacklib.NewSecretsVerifier(header, h.signingSecret)
	if err != nil {
		return fmt.Errorf("notify.InteractionHandler.verifySignature: create verifier: %w", err)
	}
	if _, writeErr := sv.Write(body); writeErr != nil {
		return fmt.Errorf("notify.InteractionHandler.verifySignature: write body: %w", writeErr)
	}
	if ensureErr := sv.Ensure(); ensureErr != nil {
		return fmt.Errorf("notify.InteractionHandler.verifySignature: ensure: %w", ensureErr)
	}
	return nil
}
