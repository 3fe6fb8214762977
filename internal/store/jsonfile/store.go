// Package jsonfile persists sessions as one JSON document per session.
package jsonfile

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/roundtable/internal/domain"
)

const fileExt = ".json"

// Store reads and writes session documents under a single directory.
// Writes are full-document rewrites made atomic with a rename, so a reader
// always observes the latest fully-written state. Callers serialize writes
// to the same session.
type Store struct {
	dir string
}

// New creates the sessions directory if needed and verifies it is writable.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("jsonfile.New: %w", err)
	}

	check, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("jsonfile.New: directory not writable: %w", err)
	}
	name := check.Name()
	_ = check.Close()
	_ = os.Remove(name)

	return &Store{dir: dir}, nil
}

// Dir returns the sessions directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(id uuid.UUID) string {
	return filepath.Join(s.dir, id.String()+fileExt)
}

// Save rewrites the whole session document.
func (s *Store) Save(ctx context.Context, sess *domain.Session) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("jsonfile.Store.Save: %w", err)
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("jsonfile.Store.Save: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, sess.ID.String()+".*.tmp")
	if err != nil {
		return fmt.Errorf("jsonfile.Store.Save: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("jsonfile.Store.Save: write: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("jsonfile.Store.Save: close: %w", err)
	}
	if err = os.Rename(tmpName, s.path(sess.ID)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("jsonfile.Store.Save: rename: %w", err)
	}

	return nil
}

// Load reads one session document. Missing documents yield domain.ErrNotFound.
func (s *Store) Load(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("jsonfile.Store.Load: %w", err)
	}

	sess, err := readSession(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("jsonfile.Store.Load(%s): %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("jsonfile.Store.Load(%s): %w", id, err)
	}

	return sess, nil
}

// Summaries yields session summaries newest first. The directory is scanned
// when iteration starts, so each range over the sequence reflects the disk
// contents at that moment. An empty userID disables filtering. Unreadable
// documents are logged and skipped.
func (s *Store) Summaries(ctx context.Context, userID string) iter.Seq2[domain.SessionSummary, error] {
	return func(yield func(domain.SessionSummary, error) bool) {
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return
			}
			yield(domain.SessionSummary{}, fmt.Errorf("jsonfile.Store.Summaries: %w", err))
			return
		}

		summaries := make([]domain.SessionSummary, 0, len(entries))
		for _, e := range entries {
			if ctx.Err() != nil {
				yield(domain.SessionSummary{}, fmt.Errorf("jsonfile.Store.Summaries: %w", ctx.Err()))
				return
			}
			if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
				continue
			}

			sess, readErr := readSession(filepath.Join(s.dir, e.Name()))
			if readErr != nil {
				log.Warn().Err(readErr).Str("file", e.Name()).Msg("skipping unreadable session document")
				continue
			}
			if userID != "" && sess.UserID != userID {
				continue
			}
			summaries = append(summaries, sess.Summary())
		}

		slices.SortFunc(summaries, func(a, b domain.SessionSummary) int {
			if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
				return c
			}
			return cmp.Compare(a.ID.String(), b.ID.String())
		})

		for _, sum := range summaries {
			if !yield(sum, nil) {
				return
			}
		}
	}
}

// List collects Summaries into a slice.
func (s *Store) List(ctx context.Context, userID string) ([]domain.SessionSummary, error) {
	out := []domain.SessionSummary{}
	for sum, err := range s.Summaries(ctx, userID) {
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}

func readSession(path string) (*domain.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var sess domain.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if sess.Messages == nil {
		sess.Messages = []domain.Message{}
	}
	if sess.Decisions == nil {
		sess.Decisions = []domain.UserDecision{}
	}

	return &sess, nil
}
