package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/misterkun-io/mdproxy/internal/config"
	"github.com/misterkun-io/mdproxy/internal/stage"
)

type zipEntry struct {
	name    string
	content string
}

func buildZip(t *testing.T, entries []zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatalf("creating zip entry %q: %v", e.name, err)
		}
		if _, err := w.Write([]byte(e.content)); err != nil {
			t.Fatalf("writing zip entry %q: %v", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing zip: %v", err)
	}
	return buf.Bytes()
}

func serveZip(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write(data); err != nil {
			t.Errorf("writing response: %v", err)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func loadConfig(t *testing.T, contents string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return cfg
}

func readManifest(t *testing.T, out, id string) map[string]json.RawMessage {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(out, id+".json"))
	if err != nil {
		t.Fatalf("reading manifest: %v", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("parsing manifest: %v", err)
	}
	return doc
}

func manifestFiles(t *testing.T, doc map[string]json.RawMessage) map[string]struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
} {
	t.Helper()
	files := make(map[string]struct {
		Hash string `json:"hash"`
		Size int64  `json:"size"`
		URL  string `json:"url"`
	})
	if err := json.Unmarshal(doc["files"], &files); err != nil {
		t.Fatalf("parsing manifest files: %v", err)
	}
	return files
}

func TestRunEndToEnd(t *testing.T) {
	server := serveZip(t, buildZip(t, []zipEntry{
		{name: "_Arcade/R-Type (World).mra", content: "rtype"},
		{name: "cores/rtype.rbf", content: "bitstream"},
		{name: "docs/readme.txt", content: "ignored"},
	}))

	out := t.TempDir()
	cfg := loadConfig(t, fmt.Sprintf(`{
		"id": "arcade",
		"base_url": "https://mister.example.com",
		"output_path": %q,
		"sources": {
			"jotego": {
				"url": %q,
				"entries": ["_Arcade/R-Type (World).mra"],
				"renames": {"_Arcade/cores/rtype.rbf": "cores/*.rbf"}
			}
		}
	}`, out, server.URL))

	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.SourcesFetched != 1 || res.FilesStaged != 2 || res.ManifestFiles != 2 {
		t.Fatalf("result = %+v", res)
	}

	staged, err := os.ReadFile(filepath.Join(out, "_Arcade", "R-Type (World).mra"))
	if err != nil {
		t.Fatalf("staged entry missing: %v", err)
	}
	if string(staged) != "rtype" {
		t.Fatalf("staged content = %q", staged)
	}
	if _, err := os.Stat(filepath.Join(out, "_Arcade", "cores", "rtype.rbf")); err != nil {
		t.Fatalf("renamed entry missing: %v", err)
	}

	doc := readManifest(t, out, "arcade")
	files := manifestFiles(t, doc)
	entry, ok := files["_Arcade/R-Type (World).mra"]
	if !ok {
		t.Fatalf("manifest missing entry, files: %v", files)
	}
	if entry.Hash != stage.Digest([]byte("rtype")) || entry.Size != 5 {
		t.Fatalf("manifest entry = %+v", entry)
	}
	if entry.URL != "https://mister.example.com/_Arcade/R-Type%20%28World%29.mra" {
		t.Fatalf("manifest url = %q", entry.URL)
	}
	if _, ok := files["_Arcade/cores/rtype.rbf"]; !ok {
		t.Fatalf("manifest missing renamed entry, files: %v", files)
	}

	zr, err := zip.OpenReader(filepath.Join(out, "arcade.json.zip"))
	if err != nil {
		t.Fatalf("deliverable archive not readable: %v", err)
	}
	defer zr.Close()
	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, want := range []string{"arcade.json", "_Arcade/R-Type (World).mra", "_Arcade/cores/rtype.rbf"} {
		if !names[want] {
			t.Fatalf("archive missing %q, has %v", want, names)
		}
	}
}

func TestRunGlobSelectsFirstInListingOrder(t *testing.T) {
	// zaxxon precedes asteroids in listing order despite lexical order.
	server := serveZip(t, buildZip(t, []zipEntry{
		{name: "_Arcade/zaxxon.mra", content: "z"},
		{name: "_Arcade/asteroids.mra", content: "a"},
	}))

	out := t.TempDir()
	cfg := loadConfig(t, fmt.Sprintf(`{
		"id": "db", "base_url": "https://example.com", "output_path": %q,
		"sources": {"s": {"url": %q, "entries": ["_Arcade/*.mra"]}}
	}`, out, server.URL))

	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ManifestFiles != 1 {
		t.Fatalf("result = %+v, want exactly one manifest file", res)
	}
	if _, err := os.Stat(filepath.Join(out, "_Arcade", "zaxxon.mra")); err != nil {
		t.Fatalf("first listing-order match should be staged: %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "_Arcade", "asteroids.mra")); !os.IsNotExist(err) {
		t.Fatalf("later matches should not be staged")
	}
}

func TestRunUnreachableSourceContinues(t *testing.T) {
	server := serveZip(t, buildZip(t, []zipEntry{{name: "good.mra", content: "ok"}}))

	oldFetch := fetchArchive
	fetchArchive = func(ctx context.Context, url string) ([]byte, error) {
		if url == "https://unreachable.invalid/archive.zip" {
			return nil, errors.New("connection refused")
		}
		return oldFetch(ctx, url)
	}
	t.Cleanup(func() { fetchArchive = oldFetch })

	out := t.TempDir()
	cfg := loadConfig(t, fmt.Sprintf(`{
		"id": "db", "base_url": "https://example.com", "output_path": %q,
		"sources": {
			"bad": {"url": "https://unreachable.invalid/archive.zip", "entries": ["*"]},
			"good": {"url": %q, "entries": ["good.mra"]}
		}
	}`, out, server.URL))

	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("a bad source must not fail the run: %v", err)
	}
	if res.SourcesFailed != 1 || res.SourcesFetched != 1 {
		t.Fatalf("result = %+v", res)
	}

	files := manifestFiles(t, readManifest(t, out, "db"))
	if len(files) != 1 {
		t.Fatalf("bad source contributed entries: %v", files)
	}
	if _, ok := files["good.mra"]; !ok {
		t.Fatalf("good source missing from manifest: %v", files)
	}
}

func TestRunMissingEntrySkipped(t *testing.T) {
	server := serveZip(t, buildZip(t, []zipEntry{{name: "real.mra", content: "x"}}))

	out := t.TempDir()
	cfg := loadConfig(t, fmt.Sprintf(`{
		"id": "db", "base_url": "https://example.com", "output_path": %q,
		"sources": {"s": {"url": %q, "entries": ["missing-*.mra", "real.mra"]}}
	}`, out, server.URL))

	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.EntriesMissed != 1 || res.ManifestFiles != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunCollidingTargetLastWins(t *testing.T) {
	server := serveZip(t, buildZip(t, []zipEntry{
		{name: "dir/a.mra", content: "from-entries"},
		{name: "b.mra", content: "from-renames"},
	}))

	out := t.TempDir()
	cfg := loadConfig(t, fmt.Sprintf(`{
		"id": "db", "base_url": "https://example.com", "output_path": %q,
		"sources": {"s": {
			"url": %q,
			"entries": ["dir/a.mra"],
			"renames": {"dir/a.mra": "b.mra"}
		}}
	}`, out, server.URL))

	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ManifestFiles != 1 {
		t.Fatalf("result = %+v, want one manifest file", res)
	}

	staged, err := os.ReadFile(filepath.Join(out, "dir", "a.mra"))
	if err != nil {
		t.Fatalf("reading staged file: %v", err)
	}
	if string(staged) != "from-renames" {
		t.Fatalf("staged content = %q, want the later rule's bytes", staged)
	}

	files := manifestFiles(t, readManifest(t, out, "db"))
	if files["dir/a.mra"].Hash != stage.Digest([]byte("from-renames")) {
		t.Fatalf("manifest entry should describe the winning bytes: %+v", files["dir/a.mra"])
	}
}

func TestRunGlobCleanupKeepsEarlierStagedFiles(t *testing.T) {
	// The rename glob also matches a file staged by an earlier entry
	// rule; cleanup must not delete it, or the final archive write
	// would fail on a file the manifest still references.
	server := serveZip(t, buildZip(t, []zipEntry{
		{name: "dir/z.txt", content: "zz"},
		{name: "dir/a.txt", content: "aa"},
	}))

	out := t.TempDir()
	cfg := loadConfig(t, fmt.Sprintf(`{
		"id": "db", "base_url": "https://example.com", "output_path": %q,
		"sources": {"s": {
			"url": %q,
			"entries": ["dir/a.txt"],
			"renames": {"renamed.txt": "dir/*"}
		}}
	}`, out, server.URL))

	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run failed on a valid config: %v", err)
	}
	if res.ManifestFiles != 2 {
		t.Fatalf("result = %+v, want both targets in the manifest", res)
	}

	staged, err := os.ReadFile(filepath.Join(out, "dir", "a.txt"))
	if err != nil {
		t.Fatalf("earlier staged file was deleted by glob cleanup: %v", err)
	}
	if string(staged) != "aa" {
		t.Fatalf("staged content = %q, want aa", staged)
	}
	renamed, err := os.ReadFile(filepath.Join(out, "renamed.txt"))
	if err != nil {
		t.Fatalf("renamed target missing: %v", err)
	}
	if string(renamed) != "zz" {
		t.Fatalf("renamed content = %q, want the first listing-order match", renamed)
	}

	zr, err := zip.OpenReader(filepath.Join(out, "db.json.zip"))
	if err != nil {
		t.Fatalf("deliverable archive not readable: %v", err)
	}
	zr.Close()
}

func TestRunIsIdempotent(t *testing.T) {
	server := serveZip(t, buildZip(t, []zipEntry{
		{name: "a.mra", content: "aa"},
		{name: "b.mra", content: "bb"},
	}))

	out := t.TempDir()
	cfg := loadConfig(t, fmt.Sprintf(`{
		"id": "db", "base_url": "https://example.com", "output_path": %q,
		"sources": {"s": {"url": %q, "entries": ["a.mra", "b.mra"]}}
	}`, out, server.URL))

	first, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if first.FilesStaged != 2 {
		t.Fatalf("first run result = %+v", first)
	}
	manifest1, err := os.ReadFile(filepath.Join(out, "db.json"))
	if err != nil {
		t.Fatalf("reading manifest: %v", err)
	}
	archive1, err := os.ReadFile(filepath.Join(out, "db.json.zip"))
	if err != nil {
		t.Fatalf("reading archive: %v", err)
	}

	second, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if second.FilesStaged != 0 || second.FilesUpToDate != 2 {
		t.Fatalf("second run should skip unchanged files: %+v", second)
	}
	manifest2, err := os.ReadFile(filepath.Join(out, "db.json"))
	if err != nil {
		t.Fatalf("reading manifest: %v", err)
	}
	archive2, err := os.ReadFile(filepath.Join(out, "db.json.zip"))
	if err != nil {
		t.Fatalf("reading archive: %v", err)
	}

	if !bytes.Equal(manifest1, manifest2) {
		t.Fatalf("manifest changed across identical runs")
	}
	if !bytes.Equal(archive1, archive2) {
		t.Fatalf("archive changed across identical runs")
	}
}

func TestRunEmptySelectionStillProducesDeliverable(t *testing.T) {
	server := serveZip(t, buildZip(t, []zipEntry{{name: "a.mra", content: "x"}}))

	out := t.TempDir()
	cfg := loadConfig(t, fmt.Sprintf(`{
		"id": "db", "base_url": "https://example.com", "output_path": %q,
		"sources": {"s": {"url": %q}}
	}`, out, server.URL))

	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ManifestFiles != 0 {
		t.Fatalf("result = %+v, want empty manifest", res)
	}
	if _, err := os.Stat(filepath.Join(out, "db.json.zip")); err != nil {
		t.Fatalf("empty run should still produce the deliverable: %v", err)
	}
}
