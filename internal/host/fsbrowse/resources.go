package fsbrowse

import (
	"os"
	"path/filepath"

	"github.com/sesshub/sesshub/internal/hubproto"
)

// Resource kinds.
const (
	ResourceReadme       = "readme"
	ResourceInstructions = "instructions"
	ResourceManifest     = "manifest"
)

// wellKnown maps filenames clients care about to their kind. Lookup is
// case-sensitive except for the readme, which shows up in every casing.
var wellKnown = []struct {
	name string
	kind string
}{
	{"README.md", ResourceReadme},
	{"readme.md", ResourceReadme},
	{"README", ResourceReadme},
	{"AGENTS.md", ResourceInstructions},
	{"CLAUDE.md", ResourceInstructions},
	{"GEMINI.md", ResourceInstructions},
	{"go.mod", ResourceManifest},
	{"package.json", ResourceManifest},
	{"Cargo.toml", ResourceManifest},
	{"pyproject.toml", ResourceManifest},
	{"Makefile", ResourceManifest},
}

// Resources lists the well-known project files present at each root. At most
// one readme per root is returned.
func (b *Browser) Resources() hubproto.FsResourcesResult {
	var out hubproto.FsResourcesResult
	for _, root := range b.roots {
		readmeSeen := false
		for _, wk := range wellKnown {
			p := filepath.Join(root.Path, wk.name)
			info, err := os.Stat(p)
			if err != nil || info.IsDir() {
				continue
			}
			if wk.kind == ResourceReadme {
				if readmeSeen {
					continue
				}
				readmeSeen = true
			}
			out.Resources = append(out.Resources, hubproto.FsResource{
				Name: wk.name,
				Path: p,
				Kind: wk.kind,
			})
		}
	}
	return out
}
