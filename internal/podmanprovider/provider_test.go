package podmanprovider

import (
	"testing"

	"github.com/jedi4ever/addt/internal/container"
)

func TestSelectVariantFirstMatchWins(t *testing.T) {
	tests := []struct {
		name   string
		labels map[string]string
		want   container.Variant
	}{
		{"toolbox label", map[string]string{"com.github.containers.toolbox": "true"}, container.VariantToolbox},
		{"distrobox label", map[string]string{"manager": "distrobox"}, container.VariantDistrobox},
		{"no matching label", map[string]string{"some.other.label": "x"}, container.VariantPodman},
		{"wrong value", map[string]string{"manager": "something-else"}, container.VariantPodman},
		{"nil labels", nil, container.VariantPodman},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := selectVariant(defaultRules, tt.labels); got != tt.want {
				t.Errorf("selectVariant(%v) = %v, want %v", tt.labels, got, tt.want)
			}
		})
	}
}

func TestMergeContainersReplacesInPlace(t *testing.T) {
	a := container.NewPodman("a", "old-a", container.VariantPodman, nil)
	b := container.NewPodman("b", "b", container.VariantPodman, nil)
	existing := []*container.Container{a, b}

	newA := container.NewPodman("a", "new-a", container.VariantPodman, nil)
	incoming := []*container.Container{newA}

	merged, events := MergeContainers(existing, incoming)

	if len(merged) != 1 {
		t.Fatalf("expected 1 container after replace+remove, got %d", len(merged))
	}
	if merged[0].ID != "a" || merged[0].DisplayName != "new-a" {
		t.Fatalf("expected a replaced with new-a, got %+v", merged[0])
	}

	var sawChanged, sawRemoved bool
	for _, ev := range events {
		if ev.Kind == "changed" && ev.Position == 0 {
			sawChanged = true
		}
		if ev.Kind == "removed" && ev.Position == 1 {
			sawRemoved = true
		}
	}
	if !sawChanged {
		t.Errorf("expected a 'changed' event at position 0, got %+v", events)
	}
	if !sawRemoved {
		t.Errorf("expected a 'removed' event at position 1, got %+v", events)
	}
}

func TestMergeContainersAppendsNew(t *testing.T) {
	existing := []*container.Container{container.NewPodman("a", "a", container.VariantPodman, nil)}
	newB := container.NewPodman("b", "b", container.VariantPodman, nil)
	incoming := []*container.Container{existing[0], newB}

	merged, events := MergeContainers(existing, incoming)

	if len(merged) != 2 {
		t.Fatalf("expected 2 containers after append, got %d", len(merged))
	}
	if merged[1].ID != "b" {
		t.Fatalf("expected b appended at position 1, got %+v", merged[1])
	}

	var sawAdded bool
	for _, ev := range events {
		if ev.Kind == "added" && ev.Position == 1 && ev.Container.ID == "b" {
			sawAdded = true
		}
	}
	if !sawAdded {
		t.Errorf("expected an 'added' event at position 1 for b, got %+v", events)
	}
}

func TestMergeContainersStableOrderPreserved(t *testing.T) {
	existing := []*container.Container{
		container.NewPodman("a", "a", container.VariantPodman, nil),
		container.NewPodman("b", "b", container.VariantPodman, nil),
		container.NewPodman("c", "c", container.VariantPodman, nil),
	}
	// b disappears; a and c are refreshed unchanged; d is new.
	incoming := []*container.Container{
		container.NewPodman("a", "a", container.VariantPodman, nil),
		container.NewPodman("c", "c", container.VariantPodman, nil),
		container.NewPodman("d", "d", container.VariantPodman, nil),
	}

	merged, _ := MergeContainers(existing, incoming)

	ids := make([]string, len(merged))
	for i, c := range merged {
		ids[i] = c.ID
	}
	want := []string{"a", "c", "d"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestMergeContainersEmptyExistingAllAdded(t *testing.T) {
	incoming := []*container.Container{
		container.NewPodman("a", "a", container.VariantPodman, nil),
		container.NewPodman("b", "b", container.VariantPodman, nil),
	}
	merged, events := MergeContainers(nil, incoming)
	if len(merged) != 2 {
		t.Fatalf("expected 2 containers, got %d", len(merged))
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 added events, got %d", len(events))
	}
	for _, ev := range events {
		if ev.Kind != "added" {
			t.Errorf("expected all-added events on empty existing set, got %+v", ev)
		}
	}
}
