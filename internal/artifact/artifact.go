// Package artifact pulls annotated code blocks out of a transcript and
// writes them to disk as project files.
package artifact

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/gosuda/roundtable/internal/domain"
)

// ErrUnsafePath is returned for file names that would escape the output directory.
var ErrUnsafePath = errors.New("artifact: unsafe path") //nolint:gochecknoglobals // sentinel error

// headerRe matches a first-line file name comment such as "# main.py" or "// core.go".
var headerRe = regexp.MustCompile(`^\s*(?:#|//)\s*([\w][\w./-]*\.[A-Za-z0-9]+)\s*$`) //nolint:gochecknoglobals // compiled once

// File is one extracted code block.
type File struct {
	Path    string
	Lang    string
	Content string
	Speaker domain.Speaker
	Seq     int
}

// Extract returns the annotated code blocks of persona messages. When two
// blocks name the same path the later one wins. Output is sorted by path.
func Extract(messages []domain.Message) []File {
	byPath := make(map[string]File)
	for _, m := range messages {
		if !m.Speaker.IsPersona() {
			continue
		}
		for _, f := range extractBlocks(m.Content) {
			f.Speaker = m.Speaker
			f.Seq = m.Seq
			byPath[f.Path] = f
		}
	}

	out := make([]File, 0, len(byPath))
	for _, f := range byPath {
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b File) int { return strings.Compare(a.Path, b.Path) })
	return out
}

func extractBlocks(text string) []File {
	var (
		files  []File
		inside bool
		lang   string
		lines  []string
	)

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)

		if !inside {
			if rest, ok := strings.CutPrefix(trimmed, "```"); ok {
				inside, lang, lines = true, strings.TrimSpace(rest), nil
			}
			continue
		}

		if trimmed == "```" {
			inside = false
			if f, ok := annotated(lang, lines); ok {
				files = append(files, f)
			}
			continue
		}
		lines = append(lines, line)
	}
	return files
}

func annotated(lang string, lines []string) (File, bool) {
	if len(lines) == 0 {
		return File{}, false
	}
	m := headerRe.FindStringSubmatch(lines[0])
	if m == nil {
		return File{}, false
	}
	return File{
		Path:    filepath.ToSlash(filepath.Clean(m[1])),
		Lang:    lang,
		Content: strings.Join(lines, "\n") + "\n",
	}, true
}

// Write stores files beneath dir and returns their paths relative to dir.
// Paths that are absolute or climb out of dir are skipped and reported as
// ErrUnsafePath once the remaining files are written.
func Write(dir string, files []File) ([]string, error) {
	var skipped []error
	written := make([]string, 0, len(files))
	for _, f := range files {
		if !filepath.IsLocal(filepath.FromSlash(f.Path)) {
			skipped = append(skipped, fmt.Errorf("artifact.Write(%q): %w", f.Path, ErrUnsafePath))
			continue
		}

		target := filepath.Join(dir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return written, fmt.Errorf("artifact.Write: %w", err)
		}
		if err := writeAtomic(target, []byte(f.Content)); err != nil {
			return written, fmt.Errorf("artifact.Write(%q): %w", f.Path, err)
		}
		written = append(written, f.Path)
	}
	return written, errors.Join(skipped...)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
