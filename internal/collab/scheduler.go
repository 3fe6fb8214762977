// Package collab drives a round-robin collaboration between personas on a
// session transcript.
package collab

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/roundtable/internal/artifact"
	"github.com/gosuda/roundtable/internal/decision"
	"github.com/gosuda/roundtable/internal/domain"
	"github.com/gosuda/roundtable/internal/persona"
)

// ErrShuttingDown is returned by Submit after Shutdown has been called.
var ErrShuttingDown = errors.New("collab: shutting down") //nolint:gochecknoglobals // sentinel error

// Review checkpoint answers.
const (
	AnswerContinue = "continue"
	AnswerModify   = "modify"
	AnswerAbort    = "abort"
)

const previewRunes = 100

// Transcript is the session surface the scheduler writes through.
// *session.Registry satisfies this interface.
type Transcript interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	Append(ctx context.Context, id uuid.UUID, speaker domain.Speaker, content string, metadata map[string]any) (domain.Message, error)
	SetStatus(ctx context.Context, id uuid.UUID, status domain.SessionStatus) error
	SetGeneratedFiles(ctx context.Context, id uuid.UUID, files []string) error
	Publish(ctx context.Context, evt domain.Event)
	Pin(ctx context.Context, id uuid.UUID) (func(), error)
}

// Decider asks the human a question. *decision.Broker satisfies this interface.
type Decider interface {
	Ask(ctx context.Context, sessionID uuid.UUID, q decision.Question) (decision.Outcome, error)
}

// Notifier is told when a run ends.
type Notifier interface {
	RunFinished(ctx context.Context, sessionID uuid.UUID, status domain.SessionStatus, turns int)
}

// Config controls run pacing and limits.
type Config struct {
	MaxTurns         int
	InterTurnDelay   time.Duration
	AutoApprove      bool
	DecisionDefault  string
	MinRequestLength int
	OutputDir        string // empty disables artifact extraction
}

// Submission is the result of Submit.
type Submission struct {
	Message domain.Message
	Started bool
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler runs at most one collaboration per session.
type Scheduler struct {
	transcript Transcript
	roster     *persona.Roster
	source     persona.Source
	decider    Decider
	notifier   Notifier
	cfg        Config

	mu     sync.Mutex
	runs   map[uuid.UUID]*run
	closed bool
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler. decider and notifier may be nil.
func NewScheduler(
	transcript Transcript,
	roster *persona.Roster,
	source persona.Source,
	decider Decider,
	notifier Notifier,
	cfg Config,
) *Scheduler {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 20
	}
	if cfg.DecisionDefault == "" {
		cfg.DecisionDefault = AnswerContinue
	}
	return &Scheduler{
		transcript: transcript,
		roster:     roster,
		source:     source,
		decider:    decider,
		notifier:   notifier,
		cfg:        cfg,
		runs:       make(map[uuid.UUID]*run),
	}
}

// Submit records a user message and starts a run for it. Messages shorter
// than the configured minimum are only recorded. If a run is already active
// the message is recorded, a busy notice is appended, and domain.ErrBusy is
// returned.
func (s *Scheduler) Submit(ctx context.Context, sessionID uuid.UUID, content string) (Submission, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Submission{}, fmt.Errorf("collab.Scheduler.Submit: empty message: %w", domain.ErrValidation)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Submission{}, fmt.Errorf("collab.Scheduler.Submit: %w", ErrShuttingDown)
	}
	_, busy := s.runs[sessionID]
	var r *run
	if !busy {
		// Reserve the slot before appending so a concurrent Submit sees it.
		r = &run{done: make(chan struct{})}
		s.runs[sessionID] = r
		s.wg.Add(1)
	}
	s.mu.Unlock()

	msg, err := s.transcript.Append(ctx, sessionID, domain.SpeakerUser, content, nil)
	if err != nil {
		if r != nil {
			s.abandon(sessionID, r)
		}
		return Submission{}, fmt.Errorf("collab.Scheduler.Submit: %w", err)
	}

	if busy {
		if _, noteErr := s.transcript.Append(ctx, sessionID, domain.SpeakerSystem,
			"A collaboration is already running for this session. Your message was recorded but did not start a new run.", nil); noteErr != nil {
			log.Error().Err(noteErr).Str("session_id", sessionID.String()).Msg("collab.Submit: failed to append busy notice")
		}
		return Submission{Message: msg}, fmt.Errorf("collab.Scheduler.Submit: %w", domain.ErrBusy)
	}

	if utf8.RuneCountInString(content) < s.cfg.MinRequestLength {
		s.abandon(sessionID, r)
		return Submission{Message: msg}, nil
	}

	unpin, err := s.transcript.Pin(ctx, sessionID)
	if err != nil {
		s.abandon(sessionID, r)
		return Submission{Message: msg}, fmt.Errorf("collab.Scheduler.Submit: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	r.cancel = cancel
	if s.closed {
		// Shutdown raced us; the run records itself as cancelled.
		cancel()
	}
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer unpin()
		defer s.release(sessionID, r)
		defer cancel()
		s.execute(runCtx, sessionID, content)
	}()

	log.Info().Str("session_id", sessionID.String()).Int("max_turns", s.cfg.MaxTurns).Msg("collaboration started")

	return Submission{Message: msg, Started: true}, nil
}

// Cancel stops the active run of a session at its next turn boundary.
func (s *Scheduler) Cancel(sessionID uuid.UUID) error {
	s.mu.Lock()
	r, ok := s.runs[sessionID]
	var cancel context.CancelFunc
	if ok {
		cancel = r.cancel
	}
	s.mu.Unlock()

	if !ok || cancel == nil {
		return fmt.Errorf("collab.Scheduler.Cancel(%s): %w", sessionID, domain.ErrNotRunning)
	}
	cancel()
	return nil
}

// Running reports whether a run is active for the session.
func (s *Scheduler) Running(sessionID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[sessionID]
	return ok
}

// Wait blocks until the session's active run has finished or ctx is done.
func (s *Scheduler) Wait(ctx context.Context, sessionID uuid.UUID) error {
	s.mu.Lock()
	r, ok := s.runs[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("collab.Scheduler.Wait: %w", ctx.Err())
	}
}

// Shutdown cancels every active run and waits for each to write its
// terminal message.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, r := range s.runs {
		if r.cancel != nil {
			r.cancel()
		}
	}
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("collab.Scheduler.Shutdown: %w", ctx.Err())
	}
}

func (s *Scheduler) abandon(sessionID uuid.UUID, r *run) {
	s.release(sessionID, r)
	s.wg.Done()
}

func (s *Scheduler) release(sessionID uuid.UUID, r *run) {
	s.mu.Lock()
	if s.runs[sessionID] == r {
		delete(s.runs, sessionID)
	}
	s.mu.Unlock()

	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

// outcome is how a run ended.
type outcome struct {
	status domain.SessionStatus
	turns  int
	reason string
	err    error // persistence failure
}

func (s *Scheduler) execute(ctx context.Context, sessionID uuid.UUID, request string) {
	logger := log.With().Str("session_id", sessionID.String()).Logger()

	startSeq := 0
	if sess, err := s.transcript.Get(ctx, sessionID); err == nil {
		startSeq = sess.LastSeq()
	}

	if err := s.transcript.SetStatus(ctx, sessionID, domain.SessionStatusActive); err != nil {
		s.finish(ctx, sessionID, startSeq, s.halt(0, err))
		return
	}

	out := s.loop(ctx, sessionID, request)
	logger.Info().Str("status", string(out.status)).Int("turns", out.turns).Msg("collaboration finished")
	s.finish(ctx, sessionID, startSeq, out)
}

func (s *Scheduler) loop(ctx context.Context, sessionID uuid.UUID, request string) outcome {
	cancelled := func(turns int) outcome {
		return outcome{status: domain.SessionStatusCancelled, turns: turns, reason: "stopped on request"}
	}

	turns := 0
	for turn := 1; turn <= s.cfg.MaxTurns; turn++ {
		if ctx.Err() != nil {
			return cancelled(turns)
		}

		p, err := s.roster.SpeakerAt(turn)
		if err != nil {
			return s.halt(turns, err)
		}

		s.transcript.Publish(ctx, domain.Event{
			Type:      domain.EventThinking,
			SessionID: sessionID,
			Data:      domain.ThinkingData{Persona: p.ID, Name: p.Name, Turn: turn},
		})

		var history []domain.Message
		if sess, getErr := s.transcript.Get(ctx, sessionID); getErr == nil {
			history = sess.Messages
		}

		text := s.source.NextUtterance(ctx, persona.Prompt{
			PersonaID:  p.ID,
			Request:    request,
			Transcript: history,
			Turn:       (turn-1)/s.roster.Len() + 1,
		})

		_, err = s.transcript.Append(ctx, sessionID, domain.Speaker(p.ID), text, map[string]any{
			"turn":            turn,
			"persona":         p.Name,
			"role":            p.Role,
			"context_preview": preview(history),
		})
		if err != nil {
			if ctx.Err() != nil {
				return cancelled(turns)
			}
			return s.halt(turns, err)
		}
		turns = turn

		if turn == s.cfg.MaxTurns {
			break
		}

		if s.checkpointDue(turn) {
			if out, stop := s.review(ctx, sessionID, turn); stop {
				return out
			}
		}

		if !sleep(ctx, s.cfg.InterTurnDelay) {
			return cancelled(turns)
		}
	}

	return outcome{status: domain.SessionStatusCompleted, turns: turns}
}

func (s *Scheduler) checkpointDue(turn int) bool {
	if s.cfg.AutoApprove || s.decider == nil {
		return false
	}
	n := s.roster.Len()
	return n > 0 && turn%n == 0
}

// review asks the human whether to proceed after a full round.
func (s *Scheduler) review(ctx context.Context, sessionID uuid.UUID, turn int) (outcome, bool) {
	res, err := s.decider.Ask(ctx, sessionID, decision.Question{
		Text:    fmt.Sprintf("Round %d is done. How should the collaboration proceed?", turn/s.roster.Len()),
		Options: []string{AnswerContinue, AnswerModify, AnswerAbort},
		Default: s.cfg.DecisionDefault,
		Context: map[string]any{"turn": turn},
	})
	if err != nil {
		if ctx.Err() != nil {
			return outcome{status: domain.SessionStatusCancelled, turns: turn, reason: "stopped on request"}, true
		}
		return s.halt(turn, err), true
	}

	switch res.Answer {
	case AnswerAbort:
		return outcome{status: domain.SessionStatusCancelled, turns: turn, reason: "aborted by user decision"}, true
	case AnswerModify:
		if _, err = s.transcript.Append(ctx, sessionID, domain.SpeakerSystem,
			"Modification requested. The next round will revisit the current approach.", nil); err != nil {
			return s.halt(turn, err), true
		}
	}
	return outcome{}, false
}

// halt records a persistence failure. The run ends cancelled.
func (s *Scheduler) halt(turns int, err error) outcome {
	log.Error().Err(err).Int("turns", turns).Msg("collab: run halted")
	return outcome{status: domain.SessionStatusCancelled, turns: turns, reason: "storage error", err: err}
}

func (s *Scheduler) finish(ctx context.Context, sessionID uuid.UUID, startSeq int, out outcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	logger := log.With().Str("session_id", sessionID.String()).Logger()

	if out.err != nil {
		s.transcript.Publish(ctx, domain.Event{
			Type:      domain.EventError,
			SessionID: sessionID,
			Data:      domain.ErrorData{Message: out.err.Error()},
		})
		if _, err := s.transcript.Append(ctx, sessionID, domain.SpeakerError, "Failed to save the conversation: "+out.err.Error(), nil); err != nil {
			logger.Error().Err(err).Msg("collab.finish: failed to append error message")
		}
	}

	var summary string
	switch out.status {
	case domain.SessionStatusCompleted:
		summary = fmt.Sprintf("Collaboration completed after %d turns.", out.turns)
		if files := s.writeArtifacts(ctx, sessionID, startSeq); len(files) > 0 {
			summary += fmt.Sprintf(" Generated %d files.", len(files))
		}
	default:
		summary = fmt.Sprintf("Collaboration cancelled after %d turns (%s).", out.turns, out.reason)
	}

	if _, err := s.transcript.Append(ctx, sessionID, domain.SpeakerSystem, summary, map[string]any{
		"status": string(out.status),
		"turns":  out.turns,
	}); err != nil {
		logger.Error().Err(err).Msg("collab.finish: failed to append terminal message")
	}
	if err := s.transcript.SetStatus(ctx, sessionID, out.status); err != nil {
		logger.Error().Err(err).Msg("collab.finish: failed to persist status")
	}

	if s.notifier != nil {
		s.notifier.RunFinished(ctx, sessionID, out.status, out.turns)
	}
}

func (s *Scheduler) writeArtifacts(ctx context.Context, sessionID uuid.UUID, startSeq int) []string {
	if s.cfg.OutputDir == "" {
		return nil
	}

	sess, err := s.transcript.Get(ctx, sessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID.String()).Msg("collab.writeArtifacts: load session")
		return nil
	}

	var fresh []domain.Message
	for _, m := range sess.Messages {
		if m.Seq > startSeq {
			fresh = append(fresh, m)
		}
	}
	files := artifact.Extract(fresh)
	if len(files) == 0 {
		return nil
	}

	written, err := artifact.Write(filepath.Join(s.cfg.OutputDir, sessionID.String()), files)
	switch {
	case err == nil:
	case errors.Is(err, artifact.ErrUnsafePath):
		log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("collab.writeArtifacts: skipped unsafe paths")
	default:
		log.Error().Err(err).Str("session_id", sessionID.String()).Msg("collab.writeArtifacts: write files")
	}
	if len(written) == 0 {
		return nil
	}

	recorded := make([]string, 0, len(written))
	for _, p := range written {
		recorded = append(recorded, filepath.ToSlash(filepath.Join(sessionID.String(), p)))
	}
	if err = s.transcript.SetGeneratedFiles(ctx, sessionID, recorded); err != nil {
		log.Error().Err(err).Str("session_id", sessionID.String()).Msg("collab.writeArtifacts: record files")
	}
	return recorded
}

func preview(history []domain.Message) string {
	if len(history) == 0 {
		return ""
	}
	text := history[len(history)-1].Content
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	return string([]rune(text)[:previewRunes]) + "..."
}

// sleep waits d or until ctx is done. It reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
