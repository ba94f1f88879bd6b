package sync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/recallguard/internal/domain"
	"github.com/conorfennell/recallguard/internal/ingest"
	"github.com/conorfennell/recallguard/internal/storage"
)

const user = int64(1)

func newTestSyncer(t *testing.T) (*Syncer, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewSyncer(db, ingest.NewService(db, ingest.MarkupGenerator{}), filepath.Join(t.TempDir(), "repos"))
	s.now = func() time.Time { return time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC) }
	return s, db
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestReconcileLocalSource(t *testing.T) {
	ctx := context.Background()
	s, db := newTestSyncer(t)

	dir := t.TempDir()
	writeFile(t, dir, "biology.md", "Q: What powers the cell?\nA: Mitochondria\n")
	writeFile(t, dir, "nested/history.MD", "Rome was not built in a day.")
	writeFile(t, dir, "todo.txt", "not a note")
	writeFile(t, dir, "blank.md", "   \n")
	writeFile(t, dir, ".git/HEAD.md", "ignored")

	src, err := s.AddSource(ctx, user, dir)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceLocal, src.Type)

	report, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sources)
	assert.Equal(t, 2, report.Imported)
	assert.Empty(t, report.Errors)

	notes, err := db.ListNotes(ctx, user)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	for _, n := range notes {
		require.NotNil(t, n.SourceID)
		assert.Equal(t, src.ID, *n.SourceID)
	}

	questions, err := db.ListQuestions(ctx, user)
	require.NoError(t, err)
	texts := []string{questions[0].QuestionText, questions[1].QuestionText}
	assert.ElementsMatch(t, []string{"What powers the cell?", ingest.FallbackQuestion}, texts)

	sources, err := s.Sources(ctx, user)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	require.NotNil(t, sources[0].LastScanned)

	// Unchanged files are not imported twice.
	report, err = s.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Imported)
	assert.Zero(t, report.Deleted)

	// Edited and removed files replace and drop their notes.
	writeFile(t, dir, "nested/history.MD", "Rome was built over centuries.")
	require.NoError(t, os.Remove(filepath.Join(dir, "biology.md")))

	report, err = s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Imported)
	assert.Equal(t, 2, report.Deleted)

	notes, err = db.ListNotes(ctx, user)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "Rome was built over centuries.", notes[0].Content)

	questions, err = db.ListQuestions(ctx, user)
	require.NoError(t, err)
	assert.Len(t, questions, 1, "questions of deleted notes go with them")
}

func TestGitSource(t *testing.T) {
	ctx := context.Background()
	s, db := newTestSyncer(t)

	var mirrored string
	s.git = func(_ context.Context, repoURL, localPath string) error {
		assert.Equal(t, "https://github.com/someone/notes.git", repoURL)
		mirrored = localPath
		writeFile(t, localPath, "README.md", "Q: Capital of France?\nA: Paris\n")
		return nil
	}

	src, err := s.AddSource(ctx, user, "https://github.com/someone/notes.git")
	require.NoError(t, err)
	assert.Equal(t, domain.SourceGit, src.Type)

	report, err := s.RunForUser(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Imported)
	assert.Equal(t, filepath.Join(s.reposDir, "1", "github.com", "someone", "notes"), mirrored)

	// A failed fetch leaves previously imported notes alone.
	s.git = func(context.Context, string, string) error { return errors.New("network down") }
	report, err = s.RunForUser(ctx, user)
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	assert.Zero(t, report.Deleted)

	notes, err := db.ListNotes(ctx, user)
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestGitMirrorsArePerUser(t *testing.T) {
	ctx := context.Background()
	s, db := newTestSyncer(t)

	mirrors := make(map[string]bool)
	s.git = func(_ context.Context, _, localPath string) error {
		mirrors[localPath] = true
		writeFile(t, localPath, "README.md", "Q: Capital of Spain?\nA: Madrid\n")
		return nil
	}
	const repo = "git@github.com:someone/notes.git"
	for _, u := range []int64{user, user + 1} {
		_, err := s.AddSource(ctx, u, repo)
		require.NoError(t, err)
	}

	report, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Imported)
	assert.Len(t, mirrors, 2)

	for _, u := range []int64{user, user + 1} {
		notes, err := db.ListNotes(ctx, u)
		require.NoError(t, err)
		assert.Len(t, notes, 1)
	}
}

func TestConcurrentRunsOnSameGitSource(t *testing.T) {
	ctx := context.Background()
	s, db := newTestSyncer(t)

	var inFlight, maxInFlight, calls atomic.Int32
	s.git = func(_ context.Context, _, localPath string) error {
		calls.Add(1)
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		// Long enough for the other run to reach the checkout.
		time.Sleep(50 * time.Millisecond)
		if err := os.MkdirAll(localPath, 0o755); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(localPath, "README.md"), []byte("Q: Largest planet?\nA: Jupiter\n"), 0o644)
	}
	_, err := s.AddSource(ctx, user, "https://github.com/someone/notes.git")
	require.NoError(t, err)

	reports := make([]Report, 2)
	errs := make([]error, 2)
	var wg gosync.WaitGroup
	for i := range reports {
		wg.Go(func() {
			reports[i], errs[i] = s.RunForUser(ctx, user)
		})
	}
	wg.Wait()

	for i := range reports {
		require.NoError(t, errs[i])
		assert.Empty(t, reports[i].Errors)
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), maxInFlight.Load(), "checkouts of one mirror must not overlap")
	assert.Equal(t, 1, reports[0].Imported+reports[1].Imported)

	notes, err := db.ListNotes(ctx, user)
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestCannotClaimAnotherUsersDirectory(t *testing.T) {
	ctx := context.Background()
	s, db := newTestSyncer(t)

	dir := t.TempDir()
	writeFile(t, dir, "diary/secret.md", "Q: Alice's PIN?\nA: 1234\n")
	_, err := s.AddSource(ctx, user, dir)
	require.NoError(t, err)

	testCases := map[string]string{
		"same directory": dir,
		"subdirectory":   filepath.Join(dir, "diary"),
		"parent":         filepath.Dir(dir),
	}
	for name, path := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := s.AddSource(ctx, user+1, path)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	report, err := s.RunForUser(ctx, user+1)
	require.NoError(t, err)
	assert.Zero(t, report.Sources)
	notes, err := db.ListNotes(ctx, user+1)
	require.NoError(t, err)
	assert.Empty(t, notes)

	// Sibling directories stay available.
	_, err = s.AddSource(ctx, user+1, t.TempDir())
	assert.NoError(t, err)
}

func TestRunForUserOnlyTouchesOwnSources(t *testing.T) {
	ctx := context.Background()
	s, db := newTestSyncer(t)

	mine, theirs := t.TempDir(), t.TempDir()
	writeFile(t, mine, "a.md", "mine")
	writeFile(t, theirs, "b.md", "theirs")
	_, err := s.AddSource(ctx, user, mine)
	require.NoError(t, err)
	_, err = s.AddSource(ctx, user+1, theirs)
	require.NoError(t, err)

	report, err := s.RunForUser(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sources)

	notes, err := db.ListNotes(ctx, user+1)
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestAddSourceValidation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSyncer(t)
	dir := t.TempDir()

	_, err := s.AddSource(ctx, user, dir)
	require.NoError(t, err)

	file := filepath.Join(dir, "note.md")
	writeFile(t, dir, "note.md", "x")

	for name, path := range map[string]string{
		"empty":          "  ",
		"missing":        filepath.Join(dir, "nope"),
		"file":           file,
		"duplicate":      dir,
		"unparsable git": "git@:x.git",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.AddSource(ctx, user, path)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestRemoveSource(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSyncer(t)

	src, err := s.AddSource(ctx, user, t.TempDir())
	require.NoError(t, err)

	assert.ErrorIs(t, s.RemoveSource(ctx, user+1, src.ID), domain.ErrNotFound)
	require.NoError(t, s.RemoveSource(ctx, user, src.ID))

	sources, err := s.Sources(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, sources)
}
