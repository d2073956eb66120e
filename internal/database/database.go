// Package database builds and saves the custom database: the manifest
// consumed by the downstream updater client plus the deliverable archive.
package database

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// File is one manifest entry. The key names are an external contract
// with the updater client and must not change.
type File struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

// Folder marks a directory the client must create.
type Folder struct{}

// Database is the manifest document, served as {base_url}/{id}.json.zip.
type Database struct {
	DBID         string     `json:"db_id"`
	BaseFilesURL string     `json:"base_files_url"`
	DBURL        string     `json:"db_url"`
	Timestamp    int64      `json:"timestamp"`
	Files        *FileMap   `json:"files"`
	Folders      *FolderMap `json:"folders"`
}

// FileMap is an insertion-ordered map of target path to File. Ordering
// follows processing order so the manifest is byte-stable across runs.
type FileMap struct {
	order []string
	files map[string]File
}

// NewFileMap returns an empty FileMap.
func NewFileMap() *FileMap {
	return &FileMap{files: make(map[string]File)}
}

// Set stores f under target and reports whether an existing entry was
// replaced. A replaced entry keeps its original position.
func (m *FileMap) Set(target string, f File) (replaced bool) {
	if _, ok := m.files[target]; !ok {
		m.order = append(m.order, target)
	} else {
		replaced = true
	}
	m.files[target] = f
	return replaced
}

// Get returns the entry stored under target.
func (m *FileMap) Get(target string) (File, bool) {
	f, ok := m.files[target]
	return f, ok
}

// Len returns the number of entries.
func (m *FileMap) Len() int {
	return len(m.order)
}

// Paths returns the target paths in insertion order.
func (m *FileMap) Paths() []string {
	return m.order
}

// MarshalJSON emits the map as a JSON object in insertion order.
func (m *FileMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, target := range m.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(target)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(m.files[target])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// FolderMap is an insertion-ordered set of directories, marshalled as an
// object of empty values per the client's schema.
type FolderMap struct {
	order []string
	seen  map[string]struct{}
}

// NewFolderMap returns an empty FolderMap.
func NewFolderMap() *FolderMap {
	return &FolderMap{seen: make(map[string]struct{})}
}

// Add records a directory once.
func (m *FolderMap) Add(dir string) {
	if _, ok := m.seen[dir]; ok {
		return
	}
	m.seen[dir] = struct{}{}
	m.order = append(m.order, dir)
}

// Len returns the number of directories.
func (m *FolderMap) Len() int {
	return len(m.order)
}

// Dirs returns the directories in insertion order.
func (m *FolderMap) Dirs() []string {
	return m.order
}

// MarshalJSON emits the set as a JSON object in insertion order.
func (m *FolderMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, dir := range m.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(dir)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteString(":{}")
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Builder accumulates manifest entries across sources.
type Builder struct {
	id        string
	baseURL   string
	files     *FileMap
	folders   *FolderMap
	timestamp int64
}

// NewBuilder returns a Builder for the database named id, with file URLs
// rooted at baseURL.
func NewBuilder(id, baseURL string) *Builder {
	return &Builder{
		id:      id,
		baseURL: strings.TrimRight(baseURL, "/"),
		files:   NewFileMap(),
		folders: NewFolderMap(),
	}
}

// Add records a staged file. modTime advances the database timestamp; the
// newest entry time across all sources becomes the document timestamp,
// keeping re-runs against unchanged sources byte-identical. Add reports
// whether an earlier entry at the same target was replaced.
func (b *Builder) Add(target, hash string, size int64, modTime time.Time) (replaced bool) {
	for dir := path.Dir(target); dir != "." && dir != "/"; dir = path.Dir(dir) {
		b.folders.Add(dir)
	}

	if ts := modTime.Unix(); ts > b.timestamp {
		b.timestamp = ts
	}

	return b.files.Set(target, File{
		Hash: hash,
		Size: size,
		URL:  b.baseURL + "/" + escapePath(target),
	})
}

// Len returns the number of accumulated entries.
func (b *Builder) Len() int {
	return b.files.Len()
}

// Paths returns the target paths accumulated so far, in insertion order.
func (b *Builder) Paths() []string {
	return b.files.Paths()
}

// Build produces the manifest document.
func (b *Builder) Build() *Database {
	return &Database{
		DBID:         b.id,
		BaseFilesURL: b.baseURL,
		DBURL:        b.baseURL + "/" + escapePath(b.id+".json.zip"),
		Timestamp:    b.timestamp,
		Files:        b.files,
		Folders:      b.folders,
	}
}

// escapePath percent-escapes each segment of a slash-separated path,
// leaving the separators intact.
func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// MarshalIndent renders the manifest document.
func (db *Database) MarshalIndent() ([]byte, error) {
	data, err := json.MarshalIndent(db, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling database %s: %w", db.DBID, err)
	}
	return data, nil
}
