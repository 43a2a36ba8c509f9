package silo

import (
	"testing"

	"content-governance/internal/models"
)

func TestIndex(t *testing.T) {
	idx := NewIndex([]models.Silo{
		{ID: "hub-a", SiteID: "s1"},
		{ID: "hub-b", SiteID: "s1"},
		{ID: "child-a1", SiteID: "s1", ParentID: "hub-a"},
		{ID: "leaf-a1x", SiteID: "s1", ParentID: "child-a1"},
		{ID: "hub-other", SiteID: "s2"},
	})

	if got := idx.HubCount("s1"); got != 2 {
		t.Fatalf("HubCount(s1) = %d, want 2", got)
	}
	hub, ok := idx.Hub("leaf-a1x")
	if !ok || hub.ID != "hub-a" {
		t.Fatalf("Hub(leaf-a1x) = %v %v, want hub-a", hub.ID, ok)
	}
	parent, ok := idx.Parent("child-a1")
	if !ok || parent.ID != "hub-a" {
		t.Fatalf("Parent(child-a1) = %v", parent.ID)
	}
	if _, ok := idx.Parent("hub-a"); ok {
		t.Fatalf("hub should have no parent")
	}
	if !idx.BelongsTo("child-a1", "s1") || idx.BelongsTo("hub-other", "s1") {
		t.Fatalf("unexpected membership result")
	}
	if kids := idx.Children("hub-a"); len(kids) != 1 || kids[0].ID != "child-a1" {
		t.Fatalf("unexpected children: %+v", kids)
	}
}

func TestHubStopsOnCycle(t *testing.T) {
	idx := NewIndex([]models.Silo{
		{ID: "a", SiteID: "s", ParentID: "b"},
		{ID: "b", SiteID: "s", ParentID: "a"},
	})
	if _, ok := idx.Hub("a"); !ok {
		t.Fatalf("expected Hub to terminate and return a silo")
	}
}
