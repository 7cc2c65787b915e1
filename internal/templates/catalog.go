// Package templates exposes the built-in mastering reference tracks shipped
// with a deployment. Entries are read-only and never deleted at runtime.
package templates

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ErrUnknown is returned for an identifier outside the catalog.
var ErrUnknown = errors.New("unknown template")

// Template describes one built-in reference artifact.
type Template struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	File        string `json:"-"`
}

var builtin = []Template{
	{ID: "voice-optimized", Name: "Voice Optimized", Description: "Clear, present vocals for spoken word", File: "voice-optimized.mp3"},
	{ID: "female-podcast", Name: "Female Podcast", Description: "Warm mastering tuned for female voices", File: "femalepodcast.mp3"},
	{ID: "male-podcast", Name: "Male Podcast", Description: "Full-bodied mastering tuned for male voices", File: "maleonlyvoicesfullproduction.mp3"},
	{ID: "news-broadcast", Name: "News Broadcast", Description: "Broadcast loudness for mixed news voices", File: "maleandfemalenewssounds.mp3"},
}

// Catalog resolves template identifiers to files under a fixed directory.
type Catalog struct {
	dir   string
	byID  map[string]Template
	order []string
}

// NewCatalog builds the catalog rooted at dir.
func NewCatalog(dir string) *Catalog {
	c := &Catalog{dir: dir, byID: make(map[string]Template, len(builtin))}
	for _, t := range builtin {
		c.byID[t.ID] = t
		c.order = append(c.order, t.ID)
	}
	sort.Strings(c.order)
	return c
}

// Get returns the template metadata for id.
func (c *Catalog) Get(id string) (Template, error) {
	t, ok := c.byID[id]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	return t, nil
}

// Path returns the on-disk location of the template's reference file.
func (c *Catalog) Path(id string) (string, error) {
	t, err := c.Get(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(c.dir, t.File), nil
}

// Available reports whether the template file is present on disk.
func (c *Catalog) Available(id string) bool {
	p, err := c.Path(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// IsTemplatePath reports whether path points at a catalog file.
func (c *Catalog) IsTemplatePath(path string) bool {
	clean := filepath.Clean(path)
	for _, t := range c.byID {
		if clean == filepath.Clean(filepath.Join(c.dir, t.File)) {
			return true
		}
	}
	return false
}

// List returns every template sorted by identifier.
func (c *Catalog) List() []Template {
	out := make([]Template, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}
