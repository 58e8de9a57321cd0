// Package catalog resolves lesson and module identifiers into download
// sources from a JSON description of the course.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/forest6511/offline/pkg/errors"
	"github.com/forest6511/offline/pkg/types"
)

// Chapter is a chapter marker as written in the catalog file.
type Chapter struct {
	Title        string  `json:"title"`
	StartSeconds float64 `json:"start_seconds"`
}

// Lesson describes one lesson and where each quality can be fetched.
type Lesson struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`

	// URL is used for any quality missing from Sources.
	URL     string                   `json:"url,omitempty"`
	Sources map[types.Quality]string `json:"sources,omitempty"`

	Chapters   []Chapter `json:"chapters,omitempty"`
	Transcript string    `json:"transcript,omitempty"`

	// Thumbnails maps a name to an image file, relative to the catalog file.
	Thumbnails map[string]string `json:"thumbnails,omitempty"`
}

// Module is an ordered group of lessons.
type Module struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Lessons []Lesson `json:"lessons"`
}

type file struct {
	Modules []Module `json:"modules"`
}

type entry struct {
	module *Module
	lesson *Lesson
}

// Catalog is an immutable, in-memory course index.
type Catalog struct {
	dir     string
	modules map[string]*Module
	order   []string
	lessons map[string]entry
	log     logrus.FieldLogger
}

// New builds a catalog from modules. Thumbnail paths resolve against the
// working directory.
func New(log logrus.FieldLogger, modules ...Module) (*Catalog, error) {
	return build("", modules, log)
}

// Load reads a catalog file.
func Load(path string, log logrus.FieldLogger) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}

	return build(filepath.Dir(path), f.Modules, log)
}

func build(dir string, modules []Module, log logrus.FieldLogger) (*Catalog, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	c := &Catalog{
		dir:     dir,
		modules: make(map[string]*Module, len(modules)),
		lessons: make(map[string]entry),
		log:     log.WithField("component", "catalog"),
	}

	for i := range modules {
		m := &modules[i]
		if m.ID == "" {
			return nil, errors.NewValidationError("module", fmt.Sprintf("module %d has no id", i))
		}
		if _, dup := c.modules[m.ID]; dup {
			return nil, errors.NewValidationError("module", "duplicate module id "+m.ID)
		}
		c.modules[m.ID] = m
		c.order = append(c.order, m.ID)

		for j := range m.Lessons {
			l := &m.Lessons[j]
			if l.ID == "" {
				return nil, errors.NewValidationError("lesson", fmt.Sprintf("lesson %d of module %s has no id", j, m.ID))
			}
			if prev, dup := c.lessons[l.ID]; dup {
				return nil, errors.NewValidationError("lesson",
					fmt.Sprintf("lesson %s appears in modules %s and %s", l.ID, prev.module.ID, m.ID))
			}
			c.lessons[l.ID] = entry{module: m, lesson: l}
		}
	}

	return c, nil
}

// Modules returns module IDs in file order.
func (c *Catalog) Modules() []string {
	return append([]string(nil), c.order...)
}

// Module returns a module by ID.
func (c *Catalog) Module(id string) (Module, bool) {
	m, ok := c.modules[id]
	if !ok {
		return Module{}, false
	}
	return *m, true
}

// ModuleLessons returns the lesson IDs of a module in order.
func (c *Catalog) ModuleLessons(_ context.Context, moduleID string) ([]string, error) {
	m, ok := c.modules[moduleID]
	if !ok {
		return nil, errors.NewDownloadErrorWithDetails(errors.CodeNotFound, "module not found", moduleID)
	}

	ids := make([]string, len(m.Lessons))
	for i, l := range m.Lessons {
		ids[i] = l.ID
	}
	return ids, nil
}

// ResolveLesson returns the source of lessonID at quality.
func (c *Catalog) ResolveLesson(_ context.Context, lessonID string, quality types.Quality) (*types.LessonSource, error) {
	e, ok := c.lessons[lessonID]
	if !ok {
		return nil, errors.NewDownloadErrorWithDetails(errors.CodeNotFound, "lesson not found", lessonID)
	}
	l := e.lesson

	url := l.Sources[quality]
	if url == "" {
		url = l.URL
	}
	if url == "" {
		return nil, errors.NewDownloadErrorWithDetails(errors.CodeNotFound,
			"lesson has no source for quality", fmt.Sprintf("%s at %s", lessonID, quality))
	}

	src := &types.LessonSource{
		LessonID:    l.ID,
		ModuleID:    e.module.ID,
		URL:         url,
		Title:       l.Title,
		ModuleTitle: e.module.Title,
		Duration:    seconds(l.DurationSeconds),
		Metadata: types.LessonMetadata{
			Transcript: l.Transcript,
		},
	}

	for _, ch := range l.Chapters {
		src.Metadata.Chapters = append(src.Metadata.Chapters, types.Chapter{
			Title: ch.Title,
			Start: seconds(ch.StartSeconds),
		})
	}

	if len(l.Thumbnails) > 0 {
		src.Metadata.Thumbnails = make(map[string][]byte, len(l.Thumbnails))
		for name, path := range l.Thumbnails {
			data, err := os.ReadFile(c.resolvePath(path))
			if err != nil {
				c.log.WithError(err).WithFields(logrus.Fields{
					"lesson_id": lessonID,
					"thumbnail": name,
				}).Warn("skipping unreadable thumbnail")
				continue
			}
			src.Metadata.Thumbnails[name] = data
		}
	}

	return src, nil
}

func (c *Catalog) resolvePath(path string) string {
	if filepath.IsAbs(path) || c.dir == "" {
		return path
	}
	return filepath.Join(c.dir, path)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
