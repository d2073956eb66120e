package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// Source describes one remote archive and the selection rules applied to
// it. Entries are literal archive paths or glob patterns; Renames map a
// local target path to an archive path or glob pattern.
type Source struct {
	URL     string            `json:"url"`
	Entries []string          `json:"entries"`
	Renames map[string]string `json:"renames"`

	renameOrder []string
}

// Rename is one target/pattern pair from a source's renames table.
type Rename struct {
	Target  string
	Pattern string
}

// OrderedRenames returns the renames in the order they appear in the
// configuration file. Processing order is part of the tool's contract:
// a later rule wins when two rules produce the same target path.
func (s *Source) OrderedRenames() []Rename {
	renames := make([]Rename, 0, len(s.renameOrder))
	for _, target := range s.renameOrder {
		renames = append(renames, Rename{Target: target, Pattern: s.Renames[target]})
	}
	return renames
}

// Config is the parsed database build configuration.
type Config struct {
	ID         string            `json:"id"`
	BaseURL    string            `json:"base_url"`
	OutputPath string            `json:"output_path"`
	Sources    map[string]Source `json:"sources"`

	sourceOrder []string
}

// NamedSource pairs a source with its configuration key, which is used
// only for diagnostics.
type NamedSource struct {
	Name string
	Source
}

// OrderedSources returns the sources in the order they appear in the
// configuration file.
func (c *Config) OrderedSources() []NamedSource {
	sources := make([]NamedSource, 0, len(c.sourceOrder))
	for _, name := range c.sourceOrder {
		sources = append(sources, NamedSource{Name: name, Source: c.Sources[name]})
	}
	return sources
}

// Load reads and validates a configuration file. Any failure here is
// fatal for the run: without a configuration there is no work to do.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}

	// encoding/json drops object key order, but processing order must
	// follow configuration order, so walk the raw tokens once more.
	sourceOrder, renameOrders, err := keyOrders(data)
	if err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	cfg.sourceOrder = sourceOrder
	for name, order := range renameOrders {
		src := cfg.Sources[name]
		src.renameOrder = order
		cfg.Sources[name] = src
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ID == "" {
		return fmt.Errorf("missing required key %q", "id")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("missing required key %q", "base_url")
	}
	if c.OutputPath == "" {
		return fmt.Errorf("missing required key %q", "output_path")
	}
	// An empty sources object is valid and yields an empty database;
	// only an absent key is a config error.
	if c.Sources == nil {
		return fmt.Errorf("missing required key %q", "sources")
	}
	for name, src := range c.Sources {
		if src.URL == "" {
			return fmt.Errorf("source %q: missing required key %q", name, "url")
		}
	}
	return nil
}

// keyOrders extracts the key order of the top-level "sources" object and
// of each source's "renames" object.
func keyOrders(data []byte) (sourceOrder []string, renameOrders map[string][]string, err error) {
	renameOrders = make(map[string][]string)

	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil { // opening {
		return nil, nil, err
	}
	for dec.More() {
		key, err := stringToken(dec)
		if err != nil {
			return nil, nil, err
		}
		if key != "sources" {
			if err := skipValue(dec); err != nil {
				return nil, nil, err
			}
			continue
		}

		if _, err := dec.Token(); err != nil { // sources {
			return nil, nil, err
		}
		for dec.More() {
			name, err := stringToken(dec)
			if err != nil {
				return nil, nil, err
			}
			sourceOrder = append(sourceOrder, name)

			if _, err := dec.Token(); err != nil { // source {
				return nil, nil, err
			}
			for dec.More() {
				field, err := stringToken(dec)
				if err != nil {
					return nil, nil, err
				}
				if field != "renames" {
					if err := skipValue(dec); err != nil {
						return nil, nil, err
					}
					continue
				}
				if _, err := dec.Token(); err != nil { // renames {
					return nil, nil, err
				}
				for dec.More() {
					target, err := stringToken(dec)
					if err != nil {
						return nil, nil, err
					}
					renameOrders[name] = append(renameOrders[name], target)
					if err := skipValue(dec); err != nil {
						return nil, nil, err
					}
				}
				if _, err := dec.Token(); err != nil { // renames }
					return nil, nil, err
				}
			}
			if _, err := dec.Token(); err != nil { // source }
				return nil, nil, err
			}
		}
		if _, err := dec.Token(); err != nil { // sources }
			return nil, nil, err
		}
	}
	return sourceOrder, renameOrders, nil
}

func stringToken(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	s, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expected object key, got %v", tok)
	}
	return s, nil
}

// skipValue consumes one JSON value of any shape.
func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok || (delim != '{' && delim != '[') {
		return nil
	}
	for dec.More() {
		if delim == '{' {
			if _, err := dec.Token(); err != nil { // key
				return err
			}
		}
		if err := skipValue(dec); err != nil {
			return err
		}
	}
	_, err = dec.Token() // closing delim
	return err
}
