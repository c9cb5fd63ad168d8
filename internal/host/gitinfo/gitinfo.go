// Package gitinfo answers read-only Git queries about a session's working
// directory: status, per-file diffs against HEAD, branches, and recent log.
// Sessions outside a repository get a SESSION-scoped validation error rather
// than a crash.
package gitinfo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/sesshub/sesshub/internal/hubproto"
)

const defaultLogLimit = 20

// open locates the repository containing dir, searching upward the way the
// git CLI does.
func open(dir string) (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, hubproto.ValidationError("%q is not inside a git repository", dir)
	}
	if err != nil {
		return nil, fmt.Errorf("opening repository at %s: %w", dir, err)
	}
	return repo, nil
}

// Status reports the current branch and every path with staged or worktree
// changes, in porcelain letter codes.
func Status(dir string) (hubproto.GitStatusResult, error) {
	repo, err := open(dir)
	if err != nil {
		return hubproto.GitStatusResult{}, err
	}

	result := hubproto.GitStatusResult{Branch: headBranch(repo)}

	wt, err := repo.Worktree()
	if err != nil {
		return hubproto.GitStatusResult{}, fmt.Errorf("opening worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return hubproto.GitStatusResult{}, fmt.Errorf("reading status: %w", err)
	}

	result.Clean = status.IsClean()
	for path, fs := range status {
		if fs.Staging == git.Unmodified && fs.Worktree == git.Unmodified {
			continue
		}
		result.Files = append(result.Files, hubproto.GitFileStatus{
			Path:     path,
			Staging:  string(rune(fs.Staging)),
			Worktree: string(rune(fs.Worktree)),
		})
	}
	sortFiles(result.Files)
	return result, nil
}

// FileDiff produces a unified diff of one file between HEAD and the working
// tree. New files diff against empty, deleted files diff to empty, binary
// content on either side yields Binary with no diff text.
func FileDiff(dir, path string) (hubproto.GitFileDiffResult, error) {
	repo, err := open(dir)
	if err != nil {
		return hubproto.GitFileDiffResult{}, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return hubproto.GitFileDiffResult{}, fmt.Errorf("opening worktree: %w", err)
	}
	root := wt.Filesystem.Root()

	rel, err := repoRelative(root, dir, path)
	if err != nil {
		return hubproto.GitFileDiffResult{}, err
	}

	old, oldBinary, err := headContent(repo, rel)
	if err != nil {
		return hubproto.GitFileDiffResult{}, err
	}

	var current string
	currentBinary := false
	data, err := os.ReadFile(filepath.Join(root, rel))
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Deleted in the worktree.
	case err != nil:
		return hubproto.GitFileDiffResult{}, fmt.Errorf("reading %s: %w", rel, err)
	default:
		if isBinary(data) {
			currentBinary = true
		} else {
			current = string(data)
		}
	}

	result := hubproto.GitFileDiffResult{Path: rel}
	if oldBinary || currentBinary {
		result.Binary = true
		return result, nil
	}

	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(old),
		B:        difflib.SplitLines(current),
		FromFile: "a/" + rel,
		ToFile:   "b/" + rel,
		Context:  3,
	})
	if err != nil {
		return hubproto.GitFileDiffResult{}, fmt.Errorf("diffing %s: %w", rel, err)
	}
	result.Diff = diff
	return result, nil
}

// Branches lists local branches with the checked-out one marked.
func Branches(dir string) (hubproto.GitBranchesResult, error) {
	repo, err := open(dir)
	if err != nil {
		return hubproto.GitBranchesResult{}, err
	}
	current := headBranch(repo)

	iter, err := repo.Branches()
	if err != nil {
		return hubproto.GitBranchesResult{}, fmt.Errorf("listing branches: %w", err)
	}
	defer iter.Close()

	var result hubproto.GitBranchesResult
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		result.Branches = append(result.Branches, hubproto.GitBranch{
			Name:    name,
			Current: name == current,
		})
		return nil
	})
	if err != nil {
		return hubproto.GitBranchesResult{}, fmt.Errorf("listing branches: %w", err)
	}
	return result, nil
}

// Log returns the most recent commits reachable from HEAD, newest first.
func Log(dir string, limit int) (hubproto.GitLogResult, error) {
	repo, err := open(dir)
	if err != nil {
		return hubproto.GitLogResult{}, err
	}
	if limit <= 0 {
		limit = defaultLogLimit
	}

	iter, err := repo.Log(&git.LogOptions{})
	if err != nil {
		return hubproto.GitLogResult{}, fmt.Errorf("reading log: %w", err)
	}
	defer iter.Close()

	var result hubproto.GitLogResult
	err = iter.ForEach(func(c *object.Commit) error {
		result.Entries = append(result.Entries, hubproto.GitLogEntry{
			Hash:    c.Hash.String(),
			Author:  c.Author.Name,
			When:    hubproto.FormatTime(c.Author.When),
			Message: strings.TrimSpace(c.Message),
		})
		if len(result.Entries) >= limit {
			return storer.ErrStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, storer.ErrStop) {
		return hubproto.GitLogResult{}, fmt.Errorf("reading log: %w", err)
	}
	return result, nil
}

// headBranch returns the short branch name, or empty on a detached HEAD or
// an unborn repository.
func headBranch(repo *git.Repository) string {
	ref, err := repo.Head()
	if err != nil {
		return ""
	}
	if !ref.Name().IsBranch() {
		return ""
	}
	return ref.Name().Short()
}

// headContent reads one file from the HEAD commit. Missing file or unborn
// HEAD read as empty.
func headContent(repo *git.Repository, rel string) (content string, binary bool, err error) {
	ref, err := repo.Head()
	if err != nil {
		return "", false, nil
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return "", false, fmt.Errorf("resolving HEAD commit: %w", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return "", false, fmt.Errorf("resolving HEAD tree: %w", err)
	}
	file, err := tree.File(filepath.ToSlash(rel))
	if errors.Is(err, object.ErrFileNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %s at HEAD: %w", rel, err)
	}
	if bin, err := file.IsBinary(); err == nil && bin {
		return "", true, nil
	}
	content, err = file.Contents()
	if err != nil {
		return "", false, fmt.Errorf("reading %s at HEAD: %w", rel, err)
	}
	return content, false, nil
}

// repoRelative turns path (absolute, or relative to dir) into a
// slash-separated path inside the repository root.
func repoRelative(root, dir, path string) (string, error) {
	if path == "" {
		return "", hubproto.ValidationError("path is required")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(dir, path)
	}
	rel, err := filepath.Rel(root, filepath.Clean(abs))
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", hubproto.ValidationError("path %q is outside the repository", path)
	}
	return filepath.ToSlash(rel), nil
}

func sortFiles(files []hubproto.GitFileStatus) {
	slices.SortFunc(files, func(a, b hubproto.GitFileStatus) int {
		return strings.Compare(a.Path, b.Path)
	})
}

// isBinary mirrors git's heuristic: a NUL byte in the first 8000 bytes.
func isBinary(data []byte) bool {
	probe := data
	if len(probe) > 8000 {
		probe = probe[:8000]
	}
	for _, b := range probe {
		if b == 0 {
			return true
		}
	}
	return false
}
