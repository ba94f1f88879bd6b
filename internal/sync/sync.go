// Package sync reconciles registered note sources (local directories and git
// repositories of markdown files) with the notes stored for their owners.
package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	gosync "sync"
	"time"

	"github.com/conorfennell/recallguard/internal/domain"
	"github.com/conorfennell/recallguard/internal/gitsource"
	"github.com/conorfennell/recallguard/internal/knol"
)

// Store is the part of the repository sync needs.
type Store interface {
	InsertSource(ctx context.Context, userID int64, path string, typ domain.SourceType) (int64, error)
	FindSourceByPath(ctx context.Context, userID int64, path string) (*domain.Source, error)
	ListSources(ctx context.Context) ([]domain.Source, error)
	ListSourcesByUser(ctx context.Context, userID int64) ([]domain.Source, error)
	DeleteSource(ctx context.Context, userID, id int64) error
	UpdateSourceLastScanned(ctx context.Context, id int64, at time.Time) error

	FindNoteByHash(ctx context.Context, userID int64, hash string) (*domain.Note, error)
	ListNotesBySource(ctx context.Context, sourceID int64) ([]domain.Note, error)
	DeleteNote(ctx context.Context, userID, id int64) error
}

// Importer turns a note into stored questions; ingest.Service satisfies it.
type Importer interface {
	Import(ctx context.Context, note domain.Note) (domain.Note, error)
}

// GitFunc mirrors repoURL into localPath.
type GitFunc func(ctx context.Context, repoURL, localPath string) error

// Syncer walks sources and keeps their notes current. It is safe for
// concurrent use: runs touching the same directory are serialized.
type Syncer struct {
	store    Store
	importer Importer
	reposDir string
	git      GitFunc
	now      func() time.Time
	locks    pathLocks
}

// pathLocks hands out one mutex per directory.
type pathLocks struct {
	mu    gosync.Mutex
	byDir map[string]*gosync.Mutex
}

// lock blocks until dir is free and returns its unlock func.
func (l *pathLocks) lock(dir string) func() {
	l.mu.Lock()
	if l.byDir == nil {
		l.byDir = make(map[string]*gosync.Mutex)
	}
	m, ok := l.byDir[dir]
	if !ok {
		m = &gosync.Mutex{}
		l.byDir[dir] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// NewSyncer creates a Syncer that mirrors git sources under reposDir.
func NewSyncer(store Store, importer Importer, reposDir string) *Syncer {
	return &Syncer{
		store:    store,
		importer: importer,
		reposDir: reposDir,
		git: func(ctx context.Context, repoURL, localPath string) error {
			return gitsource.Sync(ctx, repoURL, localPath, io.Discard)
		},
		now: time.Now,
	}
}

// Report summarises one sync run.
type Report struct {
	Sources  int
	Imported int
	Deleted  int
	Errors   []error
}

func (r *Report) add(o Report) {
	r.Sources += o.Sources
	r.Imported += o.Imported
	r.Deleted += o.Deleted
	r.Errors = append(r.Errors, o.Errors...)
}

// AddSource registers path for userID. Paths that look like git remotes are
// git sources; anything else must be an existing local directory that does
// not overlap a directory registered by another user.
func (s *Syncer) AddSource(ctx context.Context, userID int64, path string) (domain.Source, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return domain.Source{}, domain.Invalid("path", "must not be empty")
	}

	typ := domain.SourceLocal
	if gitsource.IsRemote(path) {
		typ = domain.SourceGit
		if _, err := s.mirrorPath(domain.Source{UserID: userID, Path: path}); err != nil {
			return domain.Source{}, domain.Invalid("path", "%v", err)
		}
	} else {
		abs, err := filepath.Abs(path)
		if err != nil {
			return domain.Source{}, domain.Invalid("path", "%v", err)
		}
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			return domain.Source{}, domain.Invalid("path", "%s is not a directory", abs)
		}
		path = abs
		if err := s.checkUnclaimed(ctx, userID, path); err != nil {
			return domain.Source{}, err
		}
	}

	existing, err := s.store.FindSourceByPath(ctx, userID, path)
	if err != nil {
		return domain.Source{}, fmt.Errorf("failed to look up source %s: %w", path, err)
	}
	if existing != nil {
		return domain.Source{}, domain.Invalid("path", "%s is already registered", path)
	}

	id, err := s.store.InsertSource(ctx, userID, path, typ)
	if err != nil {
		return domain.Source{}, fmt.Errorf("failed to add source %s: %w", path, err)
	}
	slog.Info("Source added", "id", id, "user_id", userID, "type", typ, "path", path)
	return domain.Source{ID: id, UserID: userID, Path: path, Type: typ}, nil
}

// checkUnclaimed rejects a local directory that is, contains, or lies inside
// a local source of another user.
func (s *Syncer) checkUnclaimed(ctx context.Context, userID int64, path string) error {
	all, err := s.store.ListSources(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sources: %w", err)
	}
	for _, src := range all {
		if src.UserID == userID || src.Type != domain.SourceLocal {
			continue
		}
		if within(path, src.Path) || within(src.Path, path) {
			return domain.Invalid("path", "%s overlaps a source of another user", path)
		}
	}
	return nil
}

// within reports whether path is dir or below it.
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Sources lists the sources owned by userID.
func (s *Syncer) Sources(ctx context.Context, userID int64) ([]domain.Source, error) {
	sources, err := s.store.ListSourcesByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	return sources, nil
}

// RemoveSource unregisters a source. Notes already imported from it are kept.
func (s *Syncer) RemoveSource(ctx context.Context, userID, id int64) error {
	if err := s.store.DeleteSource(ctx, userID, id); err != nil {
		return fmt.Errorf("failed to remove source %d: %w", id, err)
	}
	return nil
}

// Run syncs every source of every user.
func (s *Syncer) Run(ctx context.Context) (Report, error) {
	sources, err := s.store.ListSources(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to get sources: %w", err)
	}
	return s.syncAll(ctx, sources), nil
}

// RunForUser syncs only the sources owned by userID.
func (s *Syncer) RunForUser(ctx context.Context, userID int64) (Report, error) {
	sources, err := s.Sources(ctx, userID)
	if err != nil {
		return Report{}, err
	}
	return s.syncAll(ctx, sources), nil
}

func (s *Syncer) syncAll(ctx context.Context, sources []domain.Source) Report {
	slog.Info("Starting sync", "sources", len(sources))
	var report Report
	for _, src := range sources {
		if ctx.Err() != nil {
			report.Errors = append(report.Errors, ctx.Err())
			break
		}
		report.add(s.syncSource(ctx, src))
	}
	slog.Info("Sync complete",
		"sources", report.Sources,
		"imported", report.Imported,
		"deleted", report.Deleted,
		"errors", len(report.Errors),
	)
	return report
}

func (s *Syncer) syncSource(ctx context.Context, src domain.Source) Report {
	log := slog.With("source_id", src.ID, "type", src.Type, "path", src.Path)
	root := src.Path

	if src.Type == domain.SourceGit {
		local, err := s.mirrorPath(src)
		if err != nil {
			log.Error("Error determining local path for git repo", "error", err)
			return Report{Errors: []error{err}}
		}
		root = local
	}

	unlock := s.locks.lock(root)
	defer unlock()

	if src.Type == domain.SourceGit {
		if err := os.MkdirAll(filepath.Dir(root), 0o755); err != nil {
			return Report{Errors: []error{fmt.Errorf("failed to create repos directory: %w", err)}}
		}
		if err := s.git(ctx, src.Path, root); err != nil {
			log.Error("Error syncing git repo", "error", err)
			return Report{Errors: []error{err}}
		}
	}

	report := s.reconcile(ctx, src, root)
	report.Sources = 1
	if err := s.store.UpdateSourceLastScanned(ctx, src.ID, s.now()); err != nil {
		log.Warn("Failed to update last scanned for source", "error", err)
	}
	log.Info("Reconciliation complete",
		"imported", report.Imported,
		"deleted", report.Deleted,
		"errors", len(report.Errors),
	)
	return report
}

// mirrorPath is where a git source is checked out. Every user gets their own
// mirror so one user's pull never rewrites another's worktree.
func (s *Syncer) mirrorPath(src domain.Source) (string, error) {
	return gitsource.LocalPath(filepath.Join(s.reposDir, strconv.FormatInt(src.UserID, 10)), src.Path)
}

// reconcile imports every markdown file under root as one note and deletes
// notes of src whose file no longer exists with the same content.
func (s *Syncer) reconcile(ctx context.Context, src domain.Source, root string) Report {
	var report Report
	found := make(map[string]bool)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(d.Name()), ".md") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("reading %s: %w", path, err))
			return nil
		}
		content := string(data)
		if strings.TrimSpace(content) == "" {
			return nil
		}
		hash := knol.Hash(content)
		found[hash] = true

		existing, err := s.store.FindNoteByHash(ctx, src.UserID, hash)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("db check for %s: %w", path, err))
			return nil
		}
		if existing != nil {
			return nil
		}

		sourceID := src.ID
		note := domain.Note{UserID: src.UserID, Content: content, ContentHash: hash, SourceID: &sourceID}
		if _, err := s.importer.Import(ctx, note); err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("importing %s: %w", path, err))
			return nil
		}
		report.Imported++
		return nil
	})
	if walkErr != nil {
		slog.Error("Error walking directory", "path", root, "error", walkErr)
		report.Errors = append(report.Errors, walkErr)
		// A partial walk must not be mistaken for deleted files.
		return report
	}

	notes, err := s.store.ListNotesBySource(ctx, src.ID)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Errorf("failed to get notes for source %d: %w", src.ID, err))
		return report
	}
	for _, n := range notes {
		if found[n.ContentHash] {
			continue
		}
		slog.Info("Orphaned note, deleting", "note_id", n.ID, "source_id", src.ID)
		if err := s.store.DeleteNote(ctx, n.UserID, n.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			report.Errors = append(report.Errors, fmt.Errorf("deleting note %d: %w", n.ID, err))
			continue
		}
		report.Deleted++
	}
	return report
}
