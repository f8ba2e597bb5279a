package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeManifest(t *testing.T, dir, id string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := `{"id": "` + id + `", "name": "n", "version": "1.0.0", "entry": "index.js"}`
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func TestDiscoverManifestsSortsByID(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "b-ext"), "b.ext")
	writeManifest(t, filepath.Join(root, "a-ext"), "a.ext")

	d := NewDiscoverer(root, time.Minute)
	infos, errs := d.DiscoverManifests()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 manifests, got %d", len(infos))
	}
	if infos[0].Manifest.ID != "a.ext" || infos[1].Manifest.ID != "b.ext" {
		t.Fatalf("expected sorted order, got %s, %s", infos[0].Manifest.ID, infos[1].Manifest.ID)
	}
}

func TestDiscoverManifestsSkipsDirsWithoutManifest(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "not-an-extension"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeManifest(t, filepath.Join(root, "real-ext"), "real.ext")

	d := NewDiscoverer(root, time.Minute)
	infos, errs := d.DiscoverManifests()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(infos) != 1 {
		t.Fatalf("expected 1 manifest, got %d", len(infos))
	}
}

func TestValidatePluginPathRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	if _, err := ValidatePluginPath(root, "../../etc"); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
}

func TestDiscoverManifestsCachesWithinTTL(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "ext"), "cached.ext")

	d := NewDiscoverer(root, time.Minute)
	first, _ := d.DiscoverManifests()
	if len(first) != 1 {
		t.Fatalf("expected 1 manifest, got %d", len(first))
	}

	// Corrupt the manifest on disk; a cache hit should still return the
	// previously parsed value within the TTL.
	manifestPath := filepath.Join(root, "ext", "manifest.json")
	if err := os.WriteFile(manifestPath, []byte("not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	second, errs := d.DiscoverManifests()
	if len(errs) != 0 {
		t.Fatalf("expected cached hit to avoid parse errors, got %v", errs)
	}
	if len(second) != 1 || second[0].Manifest.ID != "cached.ext" {
		t.Fatalf("expected cached manifest returned, got %+v", second)
	}
}
