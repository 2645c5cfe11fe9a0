// Package snapshot keeps a per-identity history of remote roster saves
// in local git repositories, one repo per identity with a single main
// branch holding roster.json.
package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"eldersign/api/internal/roster"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const rosterFile = "roster.json"

// CommitInfo describes one recorded snapshot.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Service records roster snapshots. Safe for concurrent use; writes to
// one identity's repo are serialized.
type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Record commits the roster for an identity. Identical consecutive
// snapshots are skipped, so one remote save produces at most one commit.
func (s *Service) Record(uid string, st roster.Store, message string) error {
	lock := s.identityLock(uid)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(uid)
	if err != nil {
		return err
	}

	payload, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal roster snapshot: %w", err)
	}
	payload = append(payload, '\n')

	if current, err := s.headPayload(repo); err == nil && bytes.Equal(current, payload) {
		return nil
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, rosterFile), payload, 0o644); err != nil {
		return fmt.Errorf("write roster snapshot: %w", err)
	}
	if _, err := worktree.Add(rosterFile); err != nil {
		return fmt.Errorf("git add snapshot: %w", err)
	}
	if message == "" {
		message = "Update roster"
	}
	if _, err := worktree.Commit(message, &git.CommitOptions{
		Author: signature(uid),
	}); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// History lists the most recent snapshots for an identity, newest first.
func (s *Service) History(uid string, limit int) ([]CommitInfo, error) {
	lock := s.identityLock(uid)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(uid))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []CommitInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open snapshot repo: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return []CommitInfo{}, nil
		}
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// GetByHash loads the roster as it was at a recorded snapshot.
func (s *Service) GetByHash(uid, hash string) (roster.Store, error) {
	lock := s.identityLock(uid)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(uid))
	if err != nil {
		return roster.Store{}, fmt.Errorf("open snapshot repo: %w", err)
	}

	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return roster.Store{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return roster.Store{}, fmt.Errorf("read commit %s: %w", hash, err)
	}

	file, err := commitObj.File(rosterFile)
	if err != nil {
		return roster.Store{}, fmt.Errorf("load %s from commit: %w", rosterFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return roster.Store{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return roster.Store{}, fmt.Errorf("read snapshot bytes: %w", err)
	}
	decoded, ok := roster.Decode(data)
	if !ok {
		return roster.Store{}, fmt.Errorf("decode snapshot at %s", hash)
	}
	return decoded, nil
}

func (s *Service) ensureRepo(uid string) (*git.Repository, error) {
	path := s.repoPath(uid)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open snapshot repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init snapshot repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) headPayload(repo *git.Repository) ([]byte, error) {
	head, err := repo.Head()
	if err != nil {
		return nil, err
	}
	commitObj, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, err
	}
	file, err := commitObj.File(rosterFile)
	if err != nil {
		return nil, err
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func (s *Service) repoPath(uid string) string {
	if uid == "" {
		uid = "anonymous"
	}
	return filepath.Join(s.baseDir, uid)
}

func (s *Service) identityLock(uid string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[uid]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[uid] = lock
	return lock
}

func signature(uid string) *object.Signature {
	return &object.Signature{
		Name:  uid,
		Email: sanitizeEmail(uid) + "@local.eldersign.dev",
		When:  time.Now(),
	}
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
