// Package localdir is the built-in filesystem connector: it crawls a
// directory tree, parses supported text formats, and emits one document per
// file. It doubles as the reference implementation of the connector
// contract: paginated listing tasks, mtime-incremental fetching, and
// parser-routed normalisation.
package localdir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/trovehq/trove/internal/connector"
	"github.com/trovehq/trove/internal/parser"
	"github.com/trovehq/trove/pkg/models"
)

// pageSize bounds one list_dir task so huge directories crawl in many small
// re-entrant steps instead of one long-running task.
const pageSize = 100

// Config is the user-facing source configuration.
type Config struct {
	Path        string `json:"path"`
	IncludeGlob string `json:"include_glob,omitempty"`
}

// Descriptor returns the connector's registration metadata.
func Descriptor() *connector.Descriptor {
	return &connector.Descriptor{
		Name:        "localdir",
		DisplayName: "Local Directory",
		ConfigFields: []models.ConfigField{
			{Name: "path", InputKind: models.InputText, Label: "Directory path", Placeholder: "/var/docs"},
			{Name: "include_glob", InputKind: models.InputText, Label: "Include pattern", Placeholder: "*.md"},
		},
		HasPrerequisites: false,
		New:              New,
	}
}

// Source crawls one configured directory tree.
type Source struct {
	rt  *connector.Runtime
	cfg Config
}

// New builds the connector from its runtime.
func New(rt *connector.Runtime) (connector.Connector, error) {
	s := &Source{rt: rt}
	if err := rt.ParseConfig(&s.cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// ValidateConfig checks that the configured path is a readable directory.
func (s *Source) ValidateConfig(ctx context.Context) error {
	if s.cfg.Path == "" {
		return models.NewInvalidConfig("path is required")
	}
	info, err := os.Stat(s.cfg.Path)
	if err != nil {
		return models.NewInvalidConfig(fmt.Sprintf("cannot access %s: %v", s.cfg.Path, err))
	}
	if !info.IsDir() {
		return models.NewInvalidConfig(s.cfg.Path + " is not a directory")
	}
	if s.cfg.IncludeGlob != "" {
		if _, err := filepath.Match(s.cfg.IncludeGlob, "probe"); err != nil {
			return models.NewInvalidConfig("invalid include pattern: " + err.Error())
		}
	}
	// Exercise the listing the same way the crawl will.
	if _, err := os.ReadDir(s.cfg.Path); err != nil {
		return models.NewKnown("directory exists but cannot be listed: " + err.Error())
	}
	return nil
}

// ListLocations returns the direct subdirectories of the configured root.
func (s *Source) ListLocations(ctx context.Context) ([]models.Location, error) {
	entries, err := os.ReadDir(s.cfg.Path)
	if err != nil {
		return nil, models.NewKnown("list directory: " + err.Error())
	}

	var locations []models.Location
	for _, e := range entries {
		if e.IsDir() {
			locations = append(locations, models.Location{
				Value: e.Name(),
				Label: e.Name(),
			})
		}
	}
	return locations, nil
}

// FeedNewDocuments seeds the crawl with one listing task for the root.
// Re-running enqueues the same seed; list_dir is incremental by mtime, so
// the crawl is idempotent across restarts.
func (s *Source) FeedNewDocuments(ctx context.Context) error {
	return s.rt.Enqueue(ctx, "list_dir", map[string]string{"path": s.cfg.Path, "offset": "0"})
}

// Tasks is the dispatch allow-list.
func (s *Source) Tasks() map[string]connector.TaskFunc {
	return map[string]connector.TaskFunc{
		"list_dir":   s.listDir,
		"parse_file": s.parseFile,
	}
}

// listDir pages through one directory. Files changed since the last crawl
// become parse_file tasks; subdirectories become further list_dir tasks; a
// full page re-enqueues itself at the next offset.
func (s *Source) listDir(ctx context.Context, kwargs map[string]string) error {
	dir := kwargs["path"]
	offset, _ := strconv.Atoi(kwargs["offset"])

	entries, err := os.ReadDir(dir)
	if err != nil {
		return models.NewTransient(fmt.Errorf("read dir %s: %w", dir, err))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	if offset >= len(entries) {
		return nil
	}
	page := entries[offset:]
	if len(page) > pageSize {
		page = page[:pageSize]
	}

	since := s.rt.LastIndexedAt()
	for _, e := range page {
		full := filepath.Join(dir, e.Name())
		if e.IsDir() {
			if err := s.rt.Enqueue(ctx, "list_dir", map[string]string{"path": full, "offset": "0"}); err != nil {
				return err
			}
			continue
		}
		if parser.ForPath(full) == nil {
			continue
		}
		if s.cfg.IncludeGlob != "" {
			if ok, _ := filepath.Match(s.cfg.IncludeGlob, e.Name()); !ok {
				continue
			}
		}
		info, err := e.Info()
		if err != nil {
			s.rt.Logger.Warn().Err(err).Str("path", full).Msg("skipping unstatable file")
			continue
		}
		if !info.ModTime().After(since) {
			continue
		}
		if err := s.rt.Enqueue(ctx, "parse_file", map[string]string{"path": full}); err != nil {
			return err
		}
	}

	if offset+pageSize < len(entries) {
		return s.rt.Enqueue(ctx, "list_dir", map[string]string{
			"path":   dir,
			"offset": strconv.Itoa(offset + pageSize),
		})
	}
	return nil
}

// parseFile reads one file, converts it to plain text, and emits the
// normalised document.
func (s *Source) parseFile(ctx context.Context, kwargs map[string]string) error {
	path := kwargs["path"]

	data, err := os.ReadFile(path)
	if err != nil {
		return models.NewTransient(fmt.Errorf("read file %s: %w", path, err))
	}
	text, err := parser.Parse(path, data)
	if err != nil {
		// A single unparsable file must not stop the crawl.
		s.rt.Logger.Warn().Err(err).Str("path", path).Msg("skipping unparsable file")
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return models.NewTransient(fmt.Errorf("stat file %s: %w", path, err))
	}

	rel, err := filepath.Rel(s.cfg.Path, path)
	if err != nil {
		rel = path
	}

	doc := models.Document{
		SourceID:   s.rt.SourceID,
		ExternalID: rel,
		Kind:       models.KindDocument,
		FileKind:   parser.FileKindForPath(path),
		Title:      strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Location:   filepath.Dir(rel),
		URL:        "file://" + path,
		Timestamp:  info.ModTime().UTC(),
		Content:    text,
	}
	return s.rt.EmitDocument(ctx, doc)
}
