package artifact_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/roundtable/internal/artifact"
	"github.com/gosuda/roundtable/internal/domain"
)

func msg(seq int, speaker domain.Speaker, content string) domain.Message {
	return domain.Message{Seq: seq, Speaker: speaker, Content: content}
}

func TestExtract(t *testing.T) {
	t.Parallel()

	messages := []domain.Message{
		msg(1, domain.SpeakerUser, "```python\n# evil.py\nprint('user text is ignored')\n```"),
		msg(2, "claude", "Here:\n\n```python\n# main.py\nprint('v1')\n```\n\n```\nproject/\n  main.py\n```"),
		msg(3, "gemini", "```go\n// pkg/core.go\npackage core\n```"),
		msg(4, "claude", "```python\n# main.py\nprint('v2')\n```"),
	}

	files := artifact.Extract(messages)
	require.Len(t, files, 2)

	assert.Equal(t, "main.py", files[0].Path)
	assert.Equal(t, "python", files[0].Lang)
	assert.Equal(t, "# main.py\nprint('v2')\n", files[0].Content)
	assert.Equal(t, 4, files[0].Seq)

	assert.Equal(t, "pkg/core.go", files[1].Path)
	assert.Equal(t, domain.Speaker("gemini"), files[1].Speaker)
}

func TestExtract_IgnoresUnannotatedAndUnterminated(t *testing.T) {
	t.Parallel()

	messages := []domain.Message{
		msg(1, "p1", "```bash\n# install deps\npip install x\n```"),
		msg(2, "p1", "```python\n# open.py\nprint('never closed')"),
		msg(3, "p1", "```\n```"),
	}

	assert.Empty(t, artifact.Extract(messages))
}

func TestWrite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files := []artifact.File{
		{Path: "main.py", Content: "print('hi')\n"},
		{Path: "tests/test_core.py", Content: "import unittest\n"},
	}

	written, err := artifact.Write(dir, files)
	require.NoError(t, err)
	assert.Equal(t, []string{"main.py", "tests/test_core.py"}, written)

	data, err := os.ReadFile(filepath.Join(dir, "tests", "test_core.py"))
	require.NoError(t, err)
	assert.Equal(t, "import unittest\n", string(data))

	// overwrite
	_, err = artifact.Write(dir, []artifact.File{{Path: "main.py", Content: "print('bye')\n"}})
	require.NoError(t, err)
	data, err = os.ReadFile(filepath.Join(dir, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('bye')\n", string(data))
}

func TestWrite_SkipsTraversal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path string
	}{
		{"parent", "../escape.py"},
		{"nested parent", "a/../../escape.py"},
		{"absolute", "/etc/passwd.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			root := t.TempDir()
			dir := filepath.Join(root, "out")
			written, err := artifact.Write(dir, []artifact.File{
				{Path: "ok.py", Content: "x\n"},
				{Path: tt.path, Content: "x\n"},
				{Path: "pkg/more.py", Content: "y\n"},
			})
			require.ErrorIs(t, err, artifact.ErrUnsafePath)
			assert.Equal(t, []string{"ok.py", "pkg/more.py"}, written)

			data, readErr := os.ReadFile(filepath.Join(dir, "ok.py"))
			require.NoError(t, readErr)
			assert.Equal(t, "x\n", string(data))
			_, statErr := os.Stat(filepath.Join(dir, "pkg", "more.py"))
			require.NoError(t, statErr)

			_, statErr = os.Stat(filepath.Join(root, "escape.py"))
			assert.True(t, os.IsNotExist(statErr), "unsafe file must not be written")
		})
	}
}

func TestExtractThenWrite_UnsafeHeaderKeepsOtherFiles(t *testing.T) {
	t.Parallel()

	files := artifact.Extract([]domain.Message{
		msg(1, "claude", "```python\n# a/../../x.py\nprint(1)\n```\n\n```python\n# app.py\nprint(2)\n```"),
	})
	require.Len(t, files, 2)

	dir := t.TempDir()
	written, err := artifact.Write(dir, files)
	require.ErrorIs(t, err, artifact.ErrUnsafePath)
	assert.Equal(t, []string{"app.py"}, written)
}
