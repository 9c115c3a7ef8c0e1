package dispatch

import (
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"

	"promptpilot/internal/detect"
)

// SyncResult lists the pattern ids touched by SyncPatterns.
type SyncResult struct {
	Added   []string
	Removed []string
	Updated []string
}

// Changed reports whether anything was touched.
func (r SyncResult) Changed() bool {
	return len(r.Added)+len(r.Removed)+len(r.Updated) > 0
}

// SyncPatterns makes the registered set equal to next. Patterns whose
// definition changed are unregistered and registered again, which also resets
// their deduplication and quarantine state. Patterns with custom matchers or computed
// responses cannot be compared and are always replaced. Invalid patterns in
// next are skipped and reported in the joined error.
func (d *Dispatcher) SyncPatterns(next []detect.Pattern) (SyncResult, error) {
	var res SyncResult

	current := make(map[string]detect.Pattern)
	for _, p := range d.Patterns() {
		current[p.ID] = p
	}
	wanted := make(map[string]bool, len(next))
	for _, p := range next {
		wanted[p.ID] = true
	}

	for id := range current {
		if !wanted[id] {
			d.Unregister(id)
			res.Removed = append(res.Removed, id)
		}
	}
	sort.Strings(res.Removed)

	var errs []error
	for _, p := range next {
		old, exists := current[p.ID]
		if exists && samePattern(old, p) {
			continue
		}
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if exists {
			d.Unregister(p.ID)
		}
		if err := d.Register(p); err != nil {
			errs = append(errs, err)
			continue
		}
		if exists {
			d.tracker.Enable(p.ID)
			res.Updated = append(res.Updated, p.ID)
		} else {
			res.Added = append(res.Added, p.ID)
		}
	}

	if res.Changed() {
		d.logger.Info("Patterns synchronized",
			zap.Strings("added", res.Added),
			zap.Strings("removed", res.Removed),
			zap.Strings("updated", res.Updated))
	}
	return res, errors.Join(errs...)
}

func samePattern(a, b detect.Pattern) bool {
	if a.Custom != nil || b.Custom != nil {
		return false
	}
	if a.Response.Kind() == detect.ResponseComputed || b.Response.Kind() == detect.ResponseComputed {
		return false
	}
	return a.ID == b.ID &&
		a.Title == b.Title &&
		a.Kind == b.Kind &&
		a.Notification == b.Notification &&
		a.Response.Kind() == b.Response.Kind() &&
		strings.Join(a.Response.Strings(), "\x00") == strings.Join(b.Response.Strings(), "\x00") &&
		strings.Join(a.Sequence, "\x00") == strings.Join(b.Sequence, "\x00") &&
		len(a.Sequence) == len(b.Sequence)
}
