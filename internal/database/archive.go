package database

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
)

// Save writes the manifest as {id}.json under outputPath, then packages
// the manifest and every staged file into the deliverable {id}.json.zip.
// Both writes are fatal for the run: the archive is the sole deliverable.
func (db *Database) Save(outputPath string) error {
	data, err := db.MarshalIndent()
	if err != nil {
		return err
	}

	manifestName := db.DBID + ".json"
	if err := os.WriteFile(filepath.Join(outputPath, manifestName), data, 0o644); err != nil {
		return fmt.Errorf("writing manifest %s: %w", manifestName, err)
	}

	archiveName := db.DBID + ".json.zip"
	archivePath := filepath.Join(outputPath, archiveName)
	tmpPath := archivePath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating archive %s: %w", archiveName, err)
	}

	err = db.writeArchive(f, outputPath, manifestName, data)
	closeErr := f.Close()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing archive %s: %w", archiveName, err)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing archive %s: %w", archiveName, closeErr)
	}

	if err := os.Rename(tmpPath, archivePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("finalizing archive %s: %w", archiveName, err)
	}

	return nil
}

// writeArchive streams the manifest plus staged files into w. Entry
// names are forward-slash relative paths so any standard unzip tool and
// the updater client can read the result.
func (db *Database) writeArchive(f *os.File, outputPath, manifestName string, manifest []byte) error {
	zw := zip.NewWriter(f)

	w, err := zw.Create(manifestName)
	if err != nil {
		return fmt.Errorf("creating entry %s: %w", manifestName, err)
	}
	if _, err := w.Write(manifest); err != nil {
		return fmt.Errorf("writing entry %s: %w", manifestName, err)
	}

	for _, target := range db.Files.Paths() {
		data, err := os.ReadFile(filepath.Join(outputPath, filepath.FromSlash(target)))
		if err != nil {
			return fmt.Errorf("reading staged file %s: %w", target, err)
		}
		w, err := zw.Create(target)
		if err != nil {
			return fmt.Errorf("creating entry %s: %w", target, err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("writing entry %s: %w", target, err)
		}
	}

	return zw.Close()
}
