package conformance

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// CorpusEntry names one extension source fixture included in the
// conformance corpus, with the lifecycle script it is driven through.
type CorpusEntry struct {
	ID         string          `json:"id"`
	SourcePath string          `json:"source_path"`
	Script     []LifecycleStep `json:"script,omitempty"`
	AddedAt    time.Time       `json:"added_at"`
}

// Corpus is the persisted inclusion list of conformance fixtures. It is
// stored as a JSON-lines file, one entry per line; Include changes only
// the in-memory set, and Save rewrites the whole file sorted by ID.
// Loading deduplicates by ID with the last entry winning.
type Corpus struct {
	mu      sync.Mutex
	entries map[string]CorpusEntry
}

// NewCorpus creates an empty corpus.
func NewCorpus() *Corpus {
	return &Corpus{entries: make(map[string]CorpusEntry)}
}

// LoadCorpus reads a corpus inclusion list from path. A missing file is
// an empty corpus, not an error.
func LoadCorpus(path string) (*Corpus, error) {
	c := NewCorpus()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("conformance: open corpus: %w", err)
	}
	defer f.Close()

	decoder := json.NewDecoder(f)
	for decoder.More() {
		var entry CorpusEntry
		if err := decoder.Decode(&entry); err != nil {
			return nil, fmt.Errorf("conformance: decode corpus entry: %w", err)
		}
		c.entries[entry.ID] = entry
	}
	return c, nil
}

// Include adds or replaces an entry.
func (c *Corpus) Include(entry CorpusEntry) {
	if entry.AddedAt.IsZero() {
		entry.AddedAt = time.Now()
	}
	c.mu.Lock()
	c.entries[entry.ID] = entry
	c.mu.Unlock()
}

// Exclude removes an entry by id, reporting whether it was present.
func (c *Corpus) Exclude(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	delete(c.entries, id)
	return ok
}

// Entries returns the included fixtures sorted by ID for deterministic
// runs.
func (c *Corpus) Entries() []CorpusEntry {
	c.mu.Lock()
	out := make([]CorpusEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, entry)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Save writes the corpus back to path as JSON lines, sorted by ID so
// the file is reproducible.
func (c *Corpus) Save(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("conformance: write corpus: %w", err)
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	for _, entry := range c.Entries() {
		if err := encoder.Encode(entry); err != nil {
			return fmt.Errorf("conformance: encode corpus entry: %w", err)
		}
	}
	return nil
}

// RunCorpus runs every included fixture twice and reports fixtures whose
// two runs disagree, keyed by fixture ID. Reading a fixture's source
// fails that fixture only.
func RunCorpus(c *Corpus) (map[string][]string, error) {
	disagreements := make(map[string][]string)
	for _, entry := range c.Entries() {
		raw, err := os.ReadFile(entry.SourcePath)
		if err != nil {
			disagreements[entry.ID] = []string{fmt.Sprintf("read source: %v", err)}
			continue
		}
		first, err := Run(string(raw), entry.Script)
		if err != nil {
			disagreements[entry.ID] = []string{fmt.Sprintf("first run: %v", err)}
			continue
		}
		second, err := Run(string(raw), entry.Script)
		if err != nil {
			disagreements[entry.ID] = []string{fmt.Sprintf("second run: %v", err)}
			continue
		}
		if diff := Diff(first, second); len(diff) > 0 {
			disagreements[entry.ID] = diff
		}
	}
	return disagreements, nil
}
