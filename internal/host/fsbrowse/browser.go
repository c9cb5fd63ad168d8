// Package fsbrowse serves read-mostly filesystem access for one scope: a
// fixed set of root directories outside of which nothing is reachable.
// Session-scoped browsers cover the session's working directory, host-scoped
// browsers cover the configured worktree base.
package fsbrowse

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf8"

	ignore "github.com/sabhiram/go-gitignore"
	"github.com/sesshub/sesshub/internal/hubproto"
)

// DefaultMaxFileBytes caps file previews when the caller does not say.
const DefaultMaxFileBytes = 256 * 1024

// Browser answers roots/entries/file/resources lookups and the agent's text
// file calls, all confined to its roots.
type Browser struct {
	roots []hubproto.FsRoot
}

// New builds a browser over the given roots. Relative or duplicate roots are
// normalized; empty paths are dropped.
func New(roots ...hubproto.FsRoot) *Browser {
	b := &Browser{}
	seen := make(map[string]bool)
	for _, r := range roots {
		if r.Path == "" {
			continue
		}
		abs, err := filepath.Abs(r.Path)
		if err != nil {
			continue
		}
		abs = filepath.Clean(abs)
		if seen[abs] {
			continue
		}
		seen[abs] = true
		b.roots = append(b.roots, hubproto.FsRoot{Path: abs, Label: r.Label})
	}
	return b
}

// ForSession scopes a browser to one session: its working directory plus the
// worktree base, when configured.
func ForSession(cwd, worktreeBase string) *Browser {
	roots := []hubproto.FsRoot{{Path: cwd, Label: "workspace"}}
	if worktreeBase != "" {
		roots = append(roots, hubproto.FsRoot{Path: worktreeBase, Label: "worktrees"})
	}
	return New(roots...)
}

// ForHost scopes a browser to host-wide browsing: the worktree base when
// configured, the user's home directory otherwise.
func ForHost(worktreeBase string) *Browser {
	if worktreeBase != "" {
		return New(hubproto.FsRoot{Path: worktreeBase, Label: "worktrees"})
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/"
	}
	return New(hubproto.FsRoot{Path: home, Label: "home"})
}

// Roots lists the browsable roots.
func (b *Browser) Roots() hubproto.FsRootsResult {
	roots := make([]hubproto.FsRoot, len(b.roots))
	copy(roots, b.roots)
	return hubproto.FsRootsResult{Roots: roots}
}

// Resolve normalizes path and verifies it sits under one of the roots. An
// empty path resolves to the first root.
func (b *Browser) Resolve(path string) (string, error) {
	if len(b.roots) == 0 {
		return "", hubproto.ValidationError("no browsable roots configured")
	}
	if path == "" {
		return b.roots[0].Path, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", hubproto.ValidationError("bad path %q", path)
	}
	abs = filepath.Clean(abs)
	for _, root := range b.roots {
		rel, err := filepath.Rel(root.Path, abs)
		if err != nil {
			continue
		}
		if rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)) {
			return abs, nil
		}
	}
	return "", hubproto.ValidationError("path %q is outside the browsable roots", path)
}

// Entries lists one directory level, gitignore-filtered, directories first
// then files, each group sorted case-insensitively.
func (b *Browser) Entries(path string) (hubproto.FsEntriesResult, error) {
	abs, err := b.Resolve(path)
	if err != nil {
		return hubproto.FsEntriesResult{}, err
	}
	dirEntries, err := os.ReadDir(abs)
	if err != nil {
		return hubproto.FsEntriesResult{}, hubproto.ValidationError("reading %q: %v", path, err)
	}

	matchers := b.matchersFor(abs)

	var dirs, files []fs.DirEntry
	for _, de := range dirEntries {
		if shouldIgnore(de.Name(), de.Name(), de.IsDir(), matchers) {
			continue
		}
		if de.IsDir() {
			dirs = append(dirs, de)
		} else {
			files = append(files, de)
		}
	}
	byName := func(a, e fs.DirEntry) int {
		return strings.Compare(strings.ToLower(a.Name()), strings.ToLower(e.Name()))
	}
	slices.SortFunc(dirs, byName)
	slices.SortFunc(files, byName)

	out := hubproto.FsEntriesResult{Path: abs}
	for _, de := range append(dirs, files...) {
		entry := hubproto.FsEntry{
			Name:  de.Name(),
			Path:  filepath.Join(abs, de.Name()),
			IsDir: de.IsDir(),
		}
		if info, err := de.Info(); err == nil {
			entry.Size = info.Size()
			entry.ModTime = hubproto.FormatTime(info.ModTime())
		}
		out.Entries = append(out.Entries, entry)
	}
	return out, nil
}

// File previews one file, truncated at maxBytes. Binary content is detected
// the way git does it and returned empty with Binary set.
func (b *Browser) File(path string, maxBytes int64) (hubproto.FsFileResult, error) {
	abs, err := b.Resolve(path)
	if err != nil {
		return hubproto.FsFileResult{}, err
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}
	info, err := os.Stat(abs)
	if err != nil {
		return hubproto.FsFileResult{}, hubproto.ValidationError("reading %q: %v", path, err)
	}
	if info.IsDir() {
		return hubproto.FsFileResult{}, hubproto.ValidationError("%q is a directory", path)
	}

	f, err := os.Open(abs)
	if err != nil {
		return hubproto.FsFileResult{}, hubproto.ValidationError("reading %q: %v", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return hubproto.FsFileResult{}, hubproto.InternalError("reading %q: %v", path, err)
	}

	result := hubproto.FsFileResult{Path: abs, Size: info.Size()}
	if isBinary(data) {
		result.Binary = true
		return result, nil
	}
	if int64(len(data)) > maxBytes {
		data = data[:maxBytes]
		result.Truncated = true
	}
	result.Content = strings.ToValidUTF8(string(data), string(utf8.RuneError))
	return result, nil
}

// ReadText serves the agent's fs/read_text_file call. line is 1-based; a
// zero limit means to the end.
func (b *Browser) ReadText(path string, line, limit int) (string, error) {
	abs, err := b.Resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	text := string(data)
	if line <= 0 && limit <= 0 {
		return text, nil
	}
	lines := strings.Split(text, "\n")
	start := 0
	if line > 0 {
		start = line - 1
	}
	if start >= len(lines) {
		return "", nil
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return strings.Join(lines[start:end], "\n"), nil
}

// WriteText serves the agent's fs/write_text_file call. Parent directories
// are created as needed, inside the roots only.
func (b *Browser) WriteText(path, content string) error {
	abs, err := b.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("creating parent of %s: %w", path, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// matchersFor collects .gitignore files from the containing root down to dir.
func (b *Browser) matchersFor(dir string) []*ignore.GitIgnore {
	var root string
	for _, r := range b.roots {
		rel, err := filepath.Rel(r.Path, dir)
		if err == nil && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel) {
			root = r.Path
			break
		}
	}
	if root == "" {
		return nil
	}

	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return nil
	}
	var matchers []*ignore.GitIgnore
	cur := root
	dirs := []string{root}
	for _, p := range splitPath(rel) {
		cur = filepath.Join(cur, p)
		dirs = append(dirs, cur)
	}
	for _, d := range dirs {
		if m, err := ignore.CompileIgnoreFile(filepath.Join(d, ".gitignore")); err == nil {
			matchers = append(matchers, m)
		}
	}
	return matchers
}

func shouldIgnore(name, relPath string, isDir bool, matchers []*ignore.GitIgnore) bool {
	if name == ".git" {
		return true
	}
	matchPath := relPath
	if isDir {
		matchPath += "/"
	}
	for _, m := range matchers {
		if m.MatchesPath(matchPath) {
			return true
		}
	}
	return false
}

func splitPath(p string) []string {
	p = filepath.Clean(p)
	if p == "." || p == "" || p == string(filepath.Separator) {
		return nil
	}
	p = strings.TrimPrefix(p, string(filepath.Separator))
	return strings.Split(p, string(filepath.Separator))
}

// isBinary mirrors git's heuristic: a NUL byte in the first 8000 bytes.
func isBinary(data []byte) bool {
	probe := data
	if len(probe) > 8000 {
		probe = probe[:8000]
	}
	return bytes.IndexByte(probe, 0) >= 0
}
