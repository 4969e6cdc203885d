package filter

import (
	"path/filepath"

	"github.com/gafferhq/gaffer/pkg/eventbus"
)

// Criteria narrows a replayed event set. Active criteria are ANDed together:
// an event must match all of them to pass. Time bounds are handled upstream
// by the stream range query, so they do not appear here.
type Criteria struct {
	Actor     string   // Exact match on the emitting actor, empty = no filter
	TypeGlobs []string // Glob patterns over the event type, empty = no filter
}

// Matches returns true if the event satisfies all active criteria.
func (c *Criteria) Matches(e *eventbus.Event) bool {
	if c.Actor != "" && e.Actor != c.Actor {
		return false
	}

	if len(c.TypeGlobs) > 0 {
		matched := false
		for _, glob := range c.TypeGlobs {
			if ok, err := filepath.Match(glob, string(e.Type)); err == nil && ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}

// HasFilters returns true if any criteria are active.
func (c *Criteria) HasFilters() bool {
	return c.Actor != "" || len(c.TypeGlobs) > 0
}
