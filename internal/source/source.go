// Package source provides a read-only view of a fetched ZIP archive.
package source

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"
)

// Archive is an in-memory source archive. Entry names are exposed in the
// archive's own listing order; glob resolution depends on that order and
// it must never be re-sorted.
type Archive struct {
	names  []string
	byName map[string]*zip.File
}

// Open parses fetched bytes as a ZIP archive. Directory entries are
// dropped: only files can be selected.
func Open(data []byte) (*Archive, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("reading archive: %w", err)
	}

	a := &Archive{byName: make(map[string]*zip.File, len(zr.File))}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			continue
		}
		if _, dup := a.byName[f.Name]; dup {
			continue
		}
		a.names = append(a.names, f.Name)
		a.byName[f.Name] = f
	}
	return a, nil
}

// Names returns entry names in listing order.
func (a *Archive) Names() []string {
	return a.names
}

// Open returns a reader for the named entry.
func (a *Archive) Open(name string) (io.ReadCloser, error) {
	f, ok := a.byName[name]
	if !ok {
		return nil, fmt.Errorf("no entry %q in archive", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening entry %q: %w", name, err)
	}
	return rc, nil
}

// ModTime returns the named entry's modification time.
func (a *Archive) ModTime(name string) (time.Time, bool) {
	f, ok := a.byName[name]
	if !ok {
		return time.Time{}, false
	}
	return f.Modified, true
}
