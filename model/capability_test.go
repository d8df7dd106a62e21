package model

import "testing"

func TestCapabilitySet_Has(t *testing.T) {
	tests := []struct {
		name string
		set  CapabilitySet
		cap  string
		want bool
	}{
		{"exact", CapabilitySet{CapSubmissionsCreate: true}, CapSubmissionsCreate, true},
		{"exact miss", CapabilitySet{CapSubmissionsCreate: true}, CapSubmissionsReview, false},
		{"star", CapabilitySet{"*": true}, CapRolesSimulate, true},
		{"namespace wildcard", CapabilitySet{"submissions:*": true}, CapSubmissionsReview, true},
		{"namespace wildcard miss", CapabilitySet{"submissions:*": true}, CapRolesSimulate, false},
		{"prefix without wildcard", CapabilitySet{"submissions": true}, CapSubmissionsView, false},
		{"empty", CapabilitySet{}, CapSubmissionsView, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.set.Has(tt.cap); got != tt.want {
				t.Errorf("Has(%q) = %v, want %v", tt.cap, got, tt.want)
			}
		})
	}
}

func TestCapabilitySet_HasAll_HasAny(t *testing.T) {
	cs := CapabilitySet{CapSubmissionsView: true, CapSubmissionsReview: true}
	if !cs.HasAll(CapSubmissionsView, CapSubmissionsReview) {
		t.Error("HasAll(view, review) = false, want true")
	}
	if cs.HasAll(CapSubmissionsView, CapRolesSimulate) {
		t.Error("HasAll(view, simulate) = true, want false")
	}
	if !cs.HasAny(CapRolesSimulate, CapSubmissionsView) {
		t.Error("HasAny(simulate, view) = false, want true")
	}
	if cs.HasAny(CapRolesSimulate, CapSubmissionsCreate) {
		t.Error("HasAny(simulate, create) = true, want false")
	}
}
