package usage

import (
	"errors"
	"fmt"
	"strings"
)

// Category is the kind of threshold event delivered by the host scheduler.
type Category string

const (
	// CategoryTick is delivered once per measured tick of foreground use.
	CategoryTick Category = "usage-tick"
	// CategoryLimitReached is delivered when the host scheduler's own
	// threshold for the resource is crossed.
	CategoryLimitReached Category = "limit-reached"
)

const tagDelimiter = "."

var (
	// ErrMalformedTag means the tag is not "<category>.<resource>".
	ErrMalformedTag = errors.New("usage: malformed event tag")
	// ErrUnknownCategory means the tag parsed but its category is not handled.
	ErrUnknownCategory = errors.New("usage: unknown event category")
	// ErrEmptyResource means an interval event named no resource.
	ErrEmptyResource = errors.New("usage: empty resource")
)

// EventTag is a parsed threshold event identifier.
type EventTag struct {
	Category Category
	Resource string
}

// String renders the tag in wire form.
func (t EventTag) String() string {
	return string(t.Category) + tagDelimiter + t.Resource
}

// Known reports whether the category is one the monitor handles.
func (c Category) Known() bool {
	switch c {
	case CategoryTick, CategoryLimitReached:
		return true
	}
	return false
}

// ParseTag splits raw on its first delimiter. The resource segment is kept
// verbatim and may itself contain the delimiter. A tag with an unknown
// category is returned together with ErrUnknownCategory.
func ParseTag(raw string) (EventTag, error) {
	category, resource, found := strings.Cut(raw, tagDelimiter)
	if !found {
		return EventTag{}, fmt.Errorf("%w: %q has no %q delimiter", ErrMalformedTag, raw, tagDelimiter)
	}
	if category == "" {
		return EventTag{}, fmt.Errorf("%w: %q has an empty category", ErrMalformedTag, raw)
	}
	if resource == "" {
		return EventTag{}, fmt.Errorf("%w: %q has an empty resource", ErrMalformedTag, raw)
	}

	tag := EventTag{Category: Category(category), Resource: resource}
	if !tag.Category.Known() {
		return tag, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	return tag, nil
}

// NewTag builds a tag, validating it the same way ParseTag does.
func NewTag(category Category, resource string) (EventTag, error) {
	if strings.Contains(string(category), tagDelimiter) {
		return EventTag{}, fmt.Errorf("%w: category %q contains %q", ErrMalformedTag, category, tagDelimiter)
	}
	return ParseTag(string(category) + tagDelimiter + resource)
}
