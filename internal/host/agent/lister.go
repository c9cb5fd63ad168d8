package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sesshub/sesshub/internal/hubproto"
)

// Lister enumerates sessions an agent CLI keeps in its own on-disk storage,
// so clients can browse and load conversations that predate this daemon.
type Lister interface {
	List(ctx context.Context, cursor string, limit int) ([]hubproto.DiscoveredSession, string, error)
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// pageSessions orders sessions newest first and applies cursor/limit paging.
// The cursor is an offset into the ordered list; the formatted timestamps
// sort lexicographically.
func pageSessions(all []hubproto.DiscoveredSession, cursor string, limit int) ([]hubproto.DiscoveredSession, string, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, "", fmt.Errorf("invalid cursor %q", cursor)
		}
		offset = n
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].UpdatedAt != all[j].UpdatedAt {
			return all[i].UpdatedAt > all[j].UpdatedAt
		}
		return all[i].SessionID < all[j].SessionID
	})

	if offset >= len(all) {
		return []hubproto.DiscoveredSession{}, "", nil
	}
	end := offset + limit
	next := ""
	if end < len(all) {
		next = strconv.Itoa(end)
	} else {
		end = len(all)
	}
	return all[offset:end], next, nil
}

// storeLister pairs a storage root with a scan function. A missing root
// yields an empty listing rather than an error, since the CLI may simply
// never have run on this machine.
type storeLister struct {
	root string
	scan func(root string) []hubproto.DiscoveredSession
}

func (l *storeLister) List(ctx context.Context, cursor string, limit int) ([]hubproto.DiscoveredSession, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(l.root); err != nil {
		return []hubproto.DiscoveredSession{}, "", nil
	}
	return pageSessions(l.scan(l.root), cursor, limit)
}

func dataHome() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "share")
}

func userHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

// OpenCode stores one JSON document per session under
// storage/session/<project>/ses_*.json.
func opencodeLister() Lister {
	return newOpenCodeLister(filepath.Join(dataHome(), "opencode", "storage", "session"))
}

func newOpenCodeLister(root string) Lister {
	return &storeLister{root: root, scan: scanOpenCodeSessions}
}

type opencodeSessionDoc struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Directory string `json:"directory"`
	Time      struct {
		Created int64 `json:"created"`
		Updated int64 `json:"updated"`
	} `json:"time"`
}

func scanOpenCodeSessions(root string) []hubproto.DiscoveredSession {
	var found []hubproto.DiscoveredSession
	projects, err := os.ReadDir(root)
	if err != nil {
		return found
	}
	for _, project := range projects {
		if !project.IsDir() {
			continue
		}
		dir := filepath.Join(root, project.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasPrefix(name, "ses_") || !strings.HasSuffix(name, ".json") {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			var doc opencodeSessionDoc
			if err := json.Unmarshal(raw, &doc); err != nil || doc.ID == "" {
				continue
			}
			ds := hubproto.DiscoveredSession{
				SessionID: doc.ID,
				Label:     doc.Title,
				Cwd:       doc.Directory,
			}
			if doc.Time.Updated > 0 {
				ds.UpdatedAt = hubproto.FormatTime(time.UnixMilli(doc.Time.Updated))
			}
			found = append(found, ds)
		}
	}
	return found
}

// Claude Code keeps one JSONL transcript per session under
// projects/<encoded-cwd>/<session-id>.jsonl. The session id is the file
// name; cwd and an optional summary come from the leading lines.
func claudeLister() Lister {
	return newClaudeLister(filepath.Join(userHome(), ".claude", "projects"))
}

func newClaudeLister(root string) Lister {
	return &storeLister{root: root, scan: scanClaudeSessions}
}

type claudeTranscriptLine struct {
	Cwd     string `json:"cwd"`
	Summary string `json:"summary"`
}

func scanClaudeSessions(root string) []hubproto.DiscoveredSession {
	var found []hubproto.DiscoveredSession
	projects, err := os.ReadDir(root)
	if err != nil {
		return found
	}
	for _, project := range projects {
		if !project.IsDir() {
			continue
		}
		dir := filepath.Join(root, project.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
				continue
			}
			ds := hubproto.DiscoveredSession{
				SessionID: strings.TrimSuffix(name, ".jsonl"),
			}
			if info, err := entry.Info(); err == nil {
				ds.UpdatedAt = hubproto.FormatTime(info.ModTime())
			}
			ds.Cwd, ds.Label = claudeTranscriptHead(filepath.Join(dir, name))
			found = append(found, ds)
		}
	}
	return found
}

// claudeTranscriptHead reads the first few lines of a transcript for cwd
// and summary without loading the whole file.
func claudeTranscriptHead(path string) (cwd, label string) {
	f, err := os.Open(path)
	if err != nil {
		return "", ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for i := 0; i < 5 && scanner.Scan(); i++ {
		var line claudeTranscriptLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if cwd == "" {
			cwd = line.Cwd
		}
		if label == "" {
			label = line.Summary
		}
		if cwd != "" && label != "" {
			break
		}
	}
	return cwd, label
}

// Codex writes rollout files under sessions/YYYY/MM/DD, each starting with
// a meta line that names the session id and working directory.
func codexLister() Lister {
	return newCodexLister(filepath.Join(userHome(), ".codex", "sessions"))
}

func newCodexLister(root string) Lister {
	return &storeLister{root: root, scan: scanCodexSessions}
}

type codexMetaLine struct {
	ID      string `json:"id"`
	Cwd     string `json:"cwd"`
	Payload struct {
		ID  string `json:"id"`
		Cwd string `json:"cwd"`
	} `json:"payload"`
}

func scanCodexSessions(root string) []hubproto.DiscoveredSession {
	var found []hubproto.DiscoveredSession
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".jsonl") {
			return nil
		}
		id, cwd := codexRolloutHead(path)
		if id == "" {
			return nil
		}
		ds := hubproto.DiscoveredSession{
			SessionID: id,
			Cwd:       cwd,
		}
		if cwd != "" {
			ds.Label = filepath.Base(cwd)
		}
		if info, err := d.Info(); err == nil {
			ds.UpdatedAt = hubproto.FormatTime(info.ModTime())
		}
		found = append(found, ds)
		return nil
	})
	return found
}

func codexRolloutHead(path string) (id, cwd string) {
	f, err := os.Open(path)
	if err != nil {
		return "", ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		return "", ""
	}
	var meta codexMetaLine
	if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
		return "", ""
	}
	if meta.Payload.ID != "" {
		return meta.Payload.ID, meta.Payload.Cwd
	}
	return meta.ID, meta.Cwd
}
