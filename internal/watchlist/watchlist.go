// Package watchlist loads the set of resources the daemon keeps in sync.
//
// The file is YAML:
//
//	resources:
//	  - id: inv-2041
//	    label: Invoice 2041
//	    kind: invoice
package watchlist

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// maxFileBytes caps how much of a watchlist file is read.
const maxFileBytes = 1 << 20

// Entry is one tracked resource.
type Entry struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`
	Kind  string `yaml:"kind"`
}

// List is an ordered, validated set of entries with unique ids.
type List struct {
	Entries []Entry
}

type file struct {
	Resources []Entry `yaml:"resources"`
}

// Load reads and parses the watchlist at path.
func Load(path string) (*List, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading watchlist: %w", err)
	}

	if info.Size() > maxFileBytes {
		return nil, fmt.Errorf("watchlist %s is %d bytes, limit is %d", path, info.Size(), maxFileBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading watchlist: %w", err)
	}

	return Parse(data)
}

// Parse decodes and validates watchlist YAML. Ids and labels are
// NFC-normalised and trimmed so ids typed on different platforms match.
func Parse(data []byte) (*List, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing watchlist: %w", err)
	}

	seen := make(map[string]bool, len(f.Resources))
	list := &List{Entries: make([]Entry, 0, len(f.Resources))}

	for i, e := range f.Resources {
		e.ID = strings.TrimSpace(norm.NFC.String(e.ID))
		e.Label = strings.TrimSpace(norm.NFC.String(e.Label))
		e.Kind = strings.TrimSpace(e.Kind)

		if e.ID == "" {
			return nil, fmt.Errorf("watchlist entry %d: id is required", i)
		}

		if strings.ContainsAny(e.ID, "/\\?#") || strings.ContainsFunc(e.ID, isControl) {
			return nil, fmt.Errorf("watchlist entry %d: id %q contains reserved characters", i, e.ID)
		}

		if seen[e.ID] {
			return nil, fmt.Errorf("watchlist entry %d: duplicate id %q", i, e.ID)
		}

		seen[e.ID] = true

		if e.Label == "" {
			e.Label = e.ID
		}

		list.Entries = append(list.Entries, e)
	}

	return list, nil
}

// IDs returns the entry ids in file order.
func (l *List) IDs() []string {
	ids := make([]string, len(l.Entries))
	for i, e := range l.Entries {
		ids[i] = e.ID
	}

	return ids
}

// Get returns the entry with id, if present.
func (l *List) Get(id string) (Entry, bool) {
	i := slices.IndexFunc(l.Entries, func(e Entry) bool { return e.ID == id })
	if i < 0 {
		return Entry{}, false
	}

	return l.Entries[i], true
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f
}
