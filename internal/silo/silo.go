// Package silo indexes a site's silo hierarchy as a flat table keyed by id.
package silo

import "content-governance/internal/models"

// Index is an arena of silos; parents are resolved by id lookup.
type Index struct {
	byID  map[string]models.Silo
	order []string
}

// NewIndex builds an index from a flat list. Later duplicates replace earlier ones.
func NewIndex(silos []models.Silo) *Index {
	idx := &Index{byID: make(map[string]models.Silo, len(silos))}
	for _, s := range silos {
		if _, seen := idx.byID[s.ID]; !seen {
			idx.order = append(idx.order, s.ID)
		}
		idx.byID[s.ID] = s
	}
	return idx
}

// Get returns the silo with id.
func (i *Index) Get(id string) (models.Silo, bool) {
	s, ok := i.byID[id]
	return s, ok
}

// Parent returns the parent of id, if it has one that is indexed.
func (i *Index) Parent(id string) (models.Silo, bool) {
	s, ok := i.byID[id]
	if !ok || s.ParentID == "" {
		return models.Silo{}, false
	}
	return i.Get(s.ParentID)
}

// Hub walks up to the top-level silo containing id. Cycles stop the walk.
func (i *Index) Hub(id string) (models.Silo, bool) {
	cur, ok := i.byID[id]
	if !ok {
		return models.Silo{}, false
	}
	seen := map[string]struct{}{cur.ID: {}}
	for cur.ParentID != "" {
		parent, ok := i.byID[cur.ParentID]
		if !ok {
			break
		}
		if _, loop := seen[parent.ID]; loop {
			break
		}
		seen[parent.ID] = struct{}{}
		cur = parent
	}
	return cur, true
}

// HubCount counts top-level silos belonging to siteID.
func (i *Index) HubCount(siteID string) int {
	n := 0
	for _, id := range i.order {
		s := i.byID[id]
		if s.SiteID == siteID && s.ParentID == "" {
			n++
		}
	}
	return n
}

// BelongsTo reports whether the silo exists and is owned by siteID.
func (i *Index) BelongsTo(id, siteID string) bool {
	s, ok := i.byID[id]
	return ok && s.SiteID == siteID
}

// Children lists direct children of id in insertion order.
func (i *Index) Children(id string) []models.Silo {
	var out []models.Silo
	for _, cid := range i.order {
		if s := i.byID[cid]; s.ParentID == id {
			out = append(out, s)
		}
	}
	return out
}
