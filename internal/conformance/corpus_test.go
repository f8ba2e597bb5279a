package conformance

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCorpusRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.jsonl")
	c := NewCorpus()
	c.Include(CorpusEntry{ID: "beta", SourcePath: "b.js"})
	c.Include(CorpusEntry{ID: "alpha", SourcePath: "a.js"})
	if err := c.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadCorpus(path)
	if err != nil {
		t.Fatalf("LoadCorpus: %v", err)
	}
	entries := loaded.Entries()
	if len(entries) != 2 || entries[0].ID != "alpha" || entries[1].ID != "beta" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestLoadCorpusMissingFileIsEmpty(t *testing.T) {
	c, err := LoadCorpus(filepath.Join(t.TempDir(), "absent.jsonl"))
	if err != nil {
		t.Fatalf("LoadCorpus: %v", err)
	}
	if len(c.Entries()) != 0 {
		t.Fatalf("expected empty corpus, got %+v", c.Entries())
	}
}

func TestExcludeRemovesEntry(t *testing.T) {
	c := NewCorpus()
	c.Include(CorpusEntry{ID: "x", SourcePath: "x.js"})
	if !c.Exclude("x") {
		t.Fatal("expected Exclude to report presence")
	}
	if c.Exclude("x") {
		t.Fatal("expected second Exclude to report absence")
	}
}

func TestRunCorpusAgreesWithItself(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "fixture.js")
	err := os.WriteFile(src, []byte(`
module.exports = function(api) {
  api.registerTool("alpha", "first", {}, function() {});
  api.on("on_message", function() {});
};
`), 0o644)
	if err != nil {
		t.Fatal(err)
	}

	c := NewCorpus()
	c.Include(CorpusEntry{
		ID:         "fixture",
		SourcePath: src,
		Script:     []LifecycleStep{{Event: "on_message"}},
	})
	disagreements, err := RunCorpus(c)
	if err != nil {
		t.Fatalf("RunCorpus: %v", err)
	}
	if len(disagreements) != 0 {
		t.Fatalf("expected deterministic fixture, got %+v", disagreements)
	}
}
