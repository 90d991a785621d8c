package avela

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// TagDirectory resolves tag names (case-insensitive) and tag ids of one
// enrollment period.
type TagDirectory struct {
	byName map[string]string
	ids    map[string]bool
}

// NewTagDirectory builds a directory. Tags without a name or id are skipped.
func NewTagDirectory(tags []Tag) *TagDirectory {
	d := &TagDirectory{
		byName: make(map[string]string, len(tags)),
		ids:    make(map[string]bool, len(tags)),
	}
	for _, t := range tags {
		if t.ID == "" || t.Name == "" {
			continue
		}
		d.byName[strings.ToLower(strings.TrimSpace(t.Name))] = t.ID
		d.ids[strings.ToLower(t.ID)] = true
	}
	return d
}

// Len returns the number of named tags.
func (d *TagDirectory) Len() int {
	return len(d.byName)
}

// Resolve returns the tag id for ref. With isID, ref must be a UUID of a tag
// in the directory.
func (d *TagDirectory) Resolve(ref string, isID bool) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("Tag is empty")
	}

	if isID {
		if _, err := uuid.Parse(ref); err != nil {
			return "", fmt.Errorf("Invalid UUID in Tag ID: %s", ref)
		}
		if !d.ids[strings.ToLower(ref)] {
			return "", fmt.Errorf("Tag ID '%s' not found in enrollment period", ref)
		}
		return ref, nil
	}

	if id, ok := d.byName[strings.ToLower(ref)]; ok {
		return id, nil
	}
	return "", fmt.Errorf("Tag '%s' not found. Available: %s", ref, d.available())
}

// available lists up to five known names, plus the total when truncated.
func (d *TagDirectory) available() string {
	names := make([]string, 0, len(d.byName))
	for name := range d.byName {
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) <= 5 {
		return strings.Join(names, ", ")
	}
	return fmt.Sprintf("%s, ... (%d total)", strings.Join(names[:5], ", "), len(names))
}
