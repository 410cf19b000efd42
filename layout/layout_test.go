package layout

import (
	"reflect"
	"testing"

	"github.com/timearcs/timearcs/ingestor"
)

func TestBuild(t *testing.T) {
	events := []ingestor.Event{
		{Src: "b", Dst: "a"},
		{Src: "b", Dst: "c"},
		{Src: "c", Dst: "b"},
		{Src: "d", Dst: "d"},
	}
	l := Build(events)

	// b: 3, c: 2, a: 1, d: 1 (self traffic counted once)
	expected := []string{"b", "c", "a", "d"}
	if got := l.Order(); !reflect.DeepEqual(got, expected) {
		t.Errorf("Order() = %v, expected %v", got, expected)
	}
	for row, ep := range expected {
		if l.Row(ep) != row {
			t.Errorf("Row(%s) = %d, expected %d", ep, l.Row(ep), row)
		}
		if l.Endpoint(row) != ep {
			t.Errorf("Endpoint(%d) = %s, expected %s", row, l.Endpoint(row), ep)
		}
	}
	if l.Row("zzz") != -1 {
		t.Error("unknown endpoint should have row -1")
	}
	if l.Endpoint(99) != "" || l.Endpoint(-1) != "" {
		t.Error("out of range rows should have no endpoint")
	}
}

func TestBuild_Empty(t *testing.T) {
	l := Build(nil)
	if l.Len() != 0 {
		t.Errorf("expected empty layout, got %d rows", l.Len())
	}
}

func TestNilLayout(t *testing.T) {
	var l *Layout
	if l.Row("a") != -1 || l.Len() != 0 || l.Endpoint(0) != "" || l.Order() != nil {
		t.Error("nil layout should behave as empty")
	}
}

func TestReorder(t *testing.T) {
	l := FromOrder([]string{"a", "b", "c", "d"})

	tests := []struct {
		name     string
		order    []string
		expected []string
		wantErr  bool
	}{
		{name: "full permutation", order: []string{"d", "c", "b", "a"}, expected: []string{"d", "c", "b", "a"}},
		{name: "partial moves to top", order: []string{"c"}, expected: []string{"c", "a", "b", "d"}},
		{name: "empty keeps order", order: nil, expected: []string{"a", "b", "c", "d"}},
		{name: "unknown endpoint", order: []string{"x"}, wantErr: true},
		{name: "duplicate endpoint", order: []string{"a", "a"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.Reorder(tt.order)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Reorder() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !reflect.DeepEqual(got.Order(), tt.expected) {
				t.Errorf("Reorder() = %v, expected %v", got.Order(), tt.expected)
			}
		})
	}

	if !reflect.DeepEqual(l.Order(), []string{"a", "b", "c", "d"}) {
		t.Error("Reorder must not modify the receiver")
	}
}
