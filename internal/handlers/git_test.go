package handlers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseGitStatusPorcelain(t *testing.T) {
	t.Parallel()

	output := strings.Join([]string{
		"M  staged.go",
		" M unstaged.go",
		"MM both.go",
		"?? new.txt",
		"!! ignored.txt",
		"R  old.go -> new.go",
		"",
	}, "\n")

	staged, unstaged, untracked := parseGitStatusPorcelain(output)

	require.Len(t, staged, 3)
	require.Equal(t, "staged.go", staged[0].Path)
	require.Equal(t, "M", staged[0].Status)
	require.Equal(t, "new.go", staged[2].Path)
	require.Equal(t, "old.go", staged[2].OldPath)
	require.Equal(t, "R", staged[2].Status)

	require.Len(t, unstaged, 2)
	require.Equal(t, "unstaged.go", unstaged[0].Path)
	require.Equal(t, "both.go", unstaged[1].Path)

	require.Len(t, untracked, 1)
	require.Equal(t, "new.txt", untracked[0].Path)
	require.Equal(t, "??", untracked[0].Status)
}

func TestParseGitStatusEmpty(t *testing.T) {
	t.Parallel()

	staged, unstaged, untracked := parseGitStatusPorcelain("")
	require.Empty(t, staged)
	require.Empty(t, unstaged)
	require.Empty(t, untracked)
	require.NotNil(t, staged)
	require.NotNil(t, untracked)
}

func TestParseNumstat(t *testing.T) {
	t.Parallel()

	output := "3\t1\tmain.go\n-\t-\timage.png\n0\t12\tgone.go\n"
	entries := parseNumstat(output)

	require.Len(t, entries, 3)
	require.Equal(t, GitNumstatEntry{Path: "main.go", Added: 3, Removed: 1}, entries[0])
	require.True(t, entries[1].IsBinary)
	require.Equal(t, "image.png", entries[1].Path)
	require.Equal(t, 12, entries[2].Removed)

	require.Empty(t, parseNumstat(""))
}

func TestFormatAsAdditions(t *testing.T) {
	t.Parallel()

	diff := formatAsAdditions("notes.txt", "line one\nline two\n")
	require.Contains(t, diff, "--- /dev/null")
	require.Contains(t, diff, "+++ b/notes.txt")
	require.Contains(t, diff, "@@ -0,0 +1,2 @@")
	require.Contains(t, diff, "+line one\n+line two\n")
}

func TestGitDiffFileRejectsEscapingPath(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandlers(t)
	resp := h.GitDiffFile(t.Context(), GitDiffFileRequest{Path: "../../etc/passwd"})
	errResp, ok := resp.(errorResponse)
	require.True(t, ok)
	require.Contains(t, errResp.Error, "outside the working directory")

	resp = h.GitDiffFile(t.Context(), GitDiffFileRequest{})
	errResp, ok = resp.(errorResponse)
	require.True(t, ok)
	require.Contains(t, errResp.Error, "path is required")
}
