// Package history keeps a git revision log of the saved content document.
// Every committed save round becomes one commit of content.json.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"sitecms/api/internal/document"
)

const (
	contentFile    = "content.json"
	mainBranch     = "main"
	sectionsPrefix = "sections: "
)

// ErrNoChanges is returned by Record when the saved values already match
// the head revision.
var ErrNoChanges = errors.New("history: no changes to record")

type Revision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	Sections  []string  `json:"sections"`
	CreatedAt time.Time `json:"createdAt"`
}

type Recorder struct {
	dir string
	mu  sync.Mutex
}

func New(dir string) *Recorder {
	return &Recorder{dir: dir}
}

// Ensure creates the repository with initial as its first revision. An
// existing repository is left as is.
func (r *Recorder) Ensure(initial document.Snapshot, author string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(filepath.Join(r.dir, ".git")); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat history repo: %w", err)
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	repo, err := git.PlainInit(r.dir, false)
	if err != nil {
		return fmt.Errorf("init history repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	if initial == nil {
		initial = document.Snapshot{}
	}
	_, err = r.commit(repo, initial, initial.Keys(), author, "Import content baseline", true)
	return err
}

// Record merges the saved sections into the head revision and commits it.
func (r *Recorder) Record(saved document.Snapshot, author string) (Revision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, err := git.PlainOpen(r.dir)
	if err != nil {
		return Revision{}, fmt.Errorf("open history repo: %w", err)
	}
	head, err := headContent(repo)
	if err != nil {
		return Revision{}, err
	}

	changed := make([]string, 0, len(saved))
	for _, key := range saved.Keys() {
		if document.SectionEqual(head, saved, key) {
			continue
		}
		head[key] = saved[key]
		changed = append(changed, key)
	}
	if len(changed) == 0 {
		return Revision{}, ErrNoChanges
	}

	message := "Save " + strings.Join(changed, ", ")
	hash, err := r.commit(repo, head, changed, author, message, false)
	if err != nil {
		return Revision{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj), nil
}

// List returns up to limit revisions, newest first. A limit of zero or less
// returns all.
func (r *Recorder) List(limit int) ([]Revision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, err := git.PlainOpen(r.dir)
	if err != nil {
		return nil, fmt.Errorf("open history repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevision(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// At returns the saved document as of revision hash. Abbreviated hashes are
// resolved.
func (r *Recorder) At(hash string) (document.Snapshot, Revision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, err := git.PlainOpen(r.dir)
	if err != nil {
		return nil, Revision{}, fmt.Errorf("open history repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return nil, Revision{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return nil, Revision{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	content, err := readContent(commitObj)
	if err != nil {
		return nil, Revision{}, err
	}
	return content, toRevision(commitObj), nil
}

func (r *Recorder) commit(repo *git.Repository, content document.Snapshot, sections []string, author, message string, allowEmpty bool) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal content: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.dir, contentFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add content: %w", err)
	}

	full := message
	if len(sections) > 0 {
		full += "\n\n" + sectionsPrefix + strings.Join(sections, ",")
	}
	hash, err := worktree.Commit(full, &git.CommitOptions{
		AllowEmptyCommits: allowEmpty,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@console.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

func headContent(repo *git.Repository) (document.Snapshot, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load head commit: %w", err)
	}
	return readContent(commitObj)
}

func readContent(commitObj *object.Commit) (document.Snapshot, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	raw, err := file.Contents()
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	content := document.Snapshot{}
	if err := json.Unmarshal([]byte(raw), &content); err != nil {
		return nil, fmt.Errorf("decode commit content: %w", err)
	}
	return content, nil
}

func toRevision(commitObj *object.Commit) Revision {
	summary, sections := splitMessage(commitObj.Message)
	return Revision{
		Hash:      commitObj.Hash.String()[:7],
		Message:   summary,
		Author:    commitObj.Author.Name,
		Sections:  sections,
		CreatedAt: commitObj.Author.When,
	}
}

func splitMessage(message string) (string, []string) {
	lines := strings.Split(strings.TrimSpace(message), "\n")
	sections := []string{}
	for _, line := range lines {
		if rest, ok := strings.CutPrefix(line, sectionsPrefix); ok && rest != "" {
			sections = strings.Split(rest, ",")
		}
	}
	return strings.TrimSpace(lines[0]), sections
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			out = append(out, r)
		case r == ' ' || r == '-' || r == '_' || r == '@' || r == '.':
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "operator"
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
