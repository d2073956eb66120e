// Package pipeline drives the full build: fetch each configured source,
// resolve and stage its entries, then save the manifest and deliverable
// archive.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/misterkun-io/mdproxy/internal/config"
	"github.com/misterkun-io/mdproxy/internal/database"
	"github.com/misterkun-io/mdproxy/internal/fetch"
	"github.com/misterkun-io/mdproxy/internal/logging"
	"github.com/misterkun-io/mdproxy/internal/resolve"
	"github.com/misterkun-io/mdproxy/internal/source"
	"github.com/misterkun-io/mdproxy/internal/stage"
)

var fetchArchive = fetch.Fetch

// Result summarizes one run. Recoverable failures are counted here and
// reported as they happen; they do not fail the run.
type Result struct {
	SourcesFetched int
	SourcesFailed  int
	FilesStaged    int
	FilesUpToDate  int
	FilesFailed    int
	EntriesMissed  int
	ManifestFiles  int
}

// Run executes the pipeline for cfg. Sources are processed one at a
// time in configuration order; a failing source or entry is reported
// and skipped. Only output-directory creation and the final manifest
// and archive writes return an error, which is fatal for the run.
func Run(ctx context.Context, cfg *config.Config) (*Result, error) {
	if err := os.MkdirAll(cfg.OutputPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory %q: %w", cfg.OutputPath, err)
	}

	st := stage.New(cfg.OutputPath)
	builder := database.NewBuilder(cfg.ID, cfg.BaseURL)
	res := &Result{}

	for _, src := range cfg.OrderedSources() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		processSource(ctx, src, st, builder, res)
	}

	db := builder.Build()
	if err := db.Save(cfg.OutputPath); err != nil {
		return nil, err
	}
	res.ManifestFiles = db.Files.Len()

	return res, nil
}

func processSource(ctx context.Context, src config.NamedSource, st *stage.Stager, builder *database.Builder, res *Result) {
	logging.Infof("Fetching source %q from %s\n", src.Name, src.URL)
	data, err := fetchArchive(ctx, src.URL)
	if err != nil {
		logging.Errorf("source %q: %v\n", src.Name, err)
		res.SourcesFailed++
		return
	}

	arc, err := source.Open(data)
	if err != nil {
		logging.Errorf("source %q: %v\n", src.Name, err)
		res.SourcesFailed++
		return
	}
	res.SourcesFetched++

	// Entries first, then renames, each in configuration order. This
	// order decides which rule wins when target paths collide.
	for _, pattern := range src.Entries {
		name, err := resolve.First(arc.Names(), pattern)
		if err != nil {
			logging.Errorf("source %q: %v\n", src.Name, err)
			res.EntriesMissed++
			continue
		}
		stageEntry(arc, src.Name, name, name, pattern, st, builder, res)
	}
	for _, rn := range src.OrderedRenames() {
		name, err := resolve.First(arc.Names(), rn.Pattern)
		if err != nil {
			logging.Errorf("source %q: %v\n", src.Name, err)
			res.EntriesMissed++
			continue
		}
		stageEntry(arc, src.Name, rn.Target, name, rn.Pattern, st, builder, res)
	}
}

func stageEntry(arc *source.Archive, sourceName, target, entry, pattern string, st *stage.Stager, builder *database.Builder, res *Result) {
	rc, err := arc.Open(entry)
	if err != nil {
		logging.Errorf("source %q: %v\n", sourceName, err)
		res.FilesFailed++
		return
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		logging.Errorf("source %q: reading entry %q: %v\n", sourceName, entry, err)
		res.FilesFailed++
		return
	}

	hash := stage.Digest(data)
	size := int64(len(data))

	if st.UpToDate(target, hash, size) {
		logging.Debugf("Verbose: %s is up to date\n", target)
		res.FilesUpToDate++
	} else {
		if resolve.IsPattern(pattern) && pattern != entry {
			// Files staged earlier in this run are already in the
			// manifest; cleanup must not delete them out from under it.
			keep := make(map[string]bool, builder.Len())
			for _, p := range builder.Paths() {
				keep[p] = true
			}
			removed, err := st.RemoveMatching(pattern, keep)
			if err != nil {
				logging.Warnf("unable to remove files matching %q: %v\n", pattern, err)
			}
			for _, r := range removed {
				logging.Infof("Removed outdated file %s\n", r)
			}
		}
		if err := st.Stage(target, data); err != nil {
			logging.Errorf("source %q: %v\n", sourceName, err)
			res.FilesFailed++
			return
		}
		logging.Debugf("Verbose: staged %s (%d bytes)\n", target, size)
		res.FilesStaged++
	}

	mod, _ := arc.ModTime(entry)
	if builder.Add(target, hash, size, mod) {
		logging.Warnf("target %q selected more than once; keeping the last match\n", target)
	}
}
