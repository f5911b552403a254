package claims

import (
	"reflect"
	"testing"

	"github.com/AgriFixAI/agrifix-mvp/engine/domain"
)

func TestParsePartDict_LineArray(t *testing.T) {
	raw := []byte(`[{"part_number":"7J065-85200","quantity":2},{"part_number":"8K110-12345","quantity":1}]`)
	dict, dropped := ParsePartDict(raw)
	want := domain.PartDict{
		{PartNumber: "7J065-85200", Quantity: 2},
		{PartNumber: "8K110-12345", Quantity: 1},
	}
	if !reflect.DeepEqual(dict, want) {
		t.Fatalf("got %+v, want %+v", dict, want)
	}
	if dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
}

func TestParsePartDict_LegacyObject(t *testing.T) {
	raw := []byte(`{"8K110-12345": 1, "7J065-85200": 2}`)
	dict, dropped := ParsePartDict(raw)
	// Object keys come back sorted so repeated parses agree.
	want := domain.PartDict{
		{PartNumber: "7J065-85200", Quantity: 2},
		{PartNumber: "8K110-12345", Quantity: 1},
	}
	if !reflect.DeepEqual(dict, want) {
		t.Fatalf("got %+v, want %+v", dict, want)
	}
	if dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
}

func TestParsePartDict_StringQuantities(t *testing.T) {
	raw := []byte(`{"A-1": "3", "B-2": "2.0"}`)
	dict, dropped := ParsePartDict(raw)
	want := domain.PartDict{
		{PartNumber: "A-1", Quantity: 3},
		{PartNumber: "B-2", Quantity: 2},
	}
	if !reflect.DeepEqual(dict, want) {
		t.Fatalf("got %+v, want %+v", dict, want)
	}
	if dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
}

func TestParsePartDict_DropsBadLines(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantLen     int
		wantDropped int
	}{
		{"nan part number", `{"nan": 1, "A-1": 1}`, 1, 1},
		{"blank part number", `{"  ": 1, "A-1": 1}`, 1, 1},
		{"zero quantity", `{"A-1": 0, "B-2": 2}`, 1, 1},
		{"non-numeric quantity", `{"A-1": "lots", "B-2": 1}`, 1, 1},
		{"null quantity", `{"A-1": null, "B-2": 1}`, 1, 1},
		{"garbage", `not json`, 0, 1},
		{"empty input", ``, 0, 0},
		{"array with bad line", `[{"part_number":"","quantity":1},{"part_number":"A","quantity":1}]`, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dict, dropped := ParsePartDict([]byte(tt.raw))
			if len(dict) != tt.wantLen {
				t.Errorf("len = %d, want %d (dict %+v)", len(dict), tt.wantLen, dict)
			}
			if dropped != tt.wantDropped {
				t.Errorf("dropped = %d, want %d", dropped, tt.wantDropped)
			}
		})
	}
}

func TestParsePartDict_Deterministic(t *testing.T) {
	raw := []byte(`{"C": 1, "A": 1, "B": 1}`)
	first, _ := ParsePartDict(raw)
	for i := 0; i < 10; i++ {
		again, _ := ParsePartDict(raw)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("parse %d differed: %+v vs %+v", i, again, first)
		}
	}
}
