package numerics

import (
	"reflect"
	"testing"
)

func TestUnique(t *testing.T) {
	tests := []struct {
		name string
		in   []float64
		want []float64
	}{
		{"empty", nil, []float64{}},
		{"single", []float64{1}, []float64{1}},
		{"duplicates", []float64{1, -1, 1, 1, -1}, []float64{-1, 1}},
		{"already unique", []float64{3, 1, 2}, []float64{1, 2, 3}},
		{"repeated zeros", []float64{0, 0, 0}, []float64{0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Unique(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Unique(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestUniqueDoesNotMutateInput(t *testing.T) {
	in := []float64{3, 1, 3, 2}
	Unique(in)
	if !reflect.DeepEqual(in, []float64{3, 1, 3, 2}) {
		t.Errorf("input mutated: %v", in)
	}
}
