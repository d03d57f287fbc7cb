package catalog

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed memes/*.json
var embeddedMemes embed.FS

const MemeStatusSoon = "soon"

// Meme is a prompt template the generation pipeline renders per user.
type Meme struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
	Status string `json:"status"`
}

// Available reports whether the meme can be generated right now.
func (m Meme) Available() bool {
	return !strings.EqualFold(m.Status, MemeStatusSoon)
}

// Memes is an in-memory template table.
type Memes struct {
	byID map[string]Meme
}

// DefaultMemes loads the templates bundled with the binary.
func DefaultMemes() (*Memes, error) {
	sub, err := fs.Sub(embeddedMemes, "memes")
	if err != nil {
		return nil, fmt.Errorf("open embedded memes: %w", err)
	}
	return LoadMemes(sub)
}

// LoadMemes reads every *.json file at the root of fsys. The file name
// without extension is used as id when the document does not carry one.
func LoadMemes(fsys fs.FS) (*Memes, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read memes dir: %w", err)
	}
	m := &Memes{byID: make(map[string]Meme, len(entries))}
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read meme %s: %w", entry.Name(), err)
		}
		var meme Meme
		if err := json.Unmarshal(data, &meme); err != nil {
			return nil, fmt.Errorf("decode meme %s: %w", entry.Name(), err)
		}
		if meme.ID == "" {
			meme.ID = strings.TrimSuffix(entry.Name(), ".json")
		}
		if strings.TrimSpace(meme.Prompt) == "" {
			return nil, fmt.Errorf("meme %s has an empty prompt", meme.ID)
		}
		if !strings.Contains(meme.Prompt, "{name}") {
			return nil, fmt.Errorf("meme %s prompt has no {name} placeholder", meme.ID)
		}
		if _, dup := m.byID[meme.ID]; dup {
			return nil, fmt.Errorf("duplicate meme id %s", meme.ID)
		}
		m.byID[meme.ID] = meme
	}
	return m, nil
}

// Template returns the meme with the given id.
func (m *Memes) Template(id string) (Meme, bool) {
	meme, ok := m.byID[id]
	return meme, ok
}

// All returns memes sorted by id.
func (m *Memes) All() []Meme {
	res := make([]Meme, 0, len(m.byID))
	for _, meme := range m.byID {
		res = append(res, meme)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}
