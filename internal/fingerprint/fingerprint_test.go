package fingerprint

import (
	"strings"
	"testing"
)

func TestIsHashed(t *testing.T) {
	tests := []struct {
		name string
		fp   string
		want bool
	}{
		{"64 lowercase hex", strings.Repeat("a", 64), true},
		{"mixed hex digest", "3f2c" + strings.Repeat("0", 60), true},
		{"too short", "ab12", false},
		{"too long", strings.Repeat("a", 65), false},
		{"uppercase", strings.Repeat("A", 64), false},
		{"non-hex character", strings.Repeat("a", 63) + "g", false},
		{"empty", "", false},
		{"provider-native id", "PD-12345", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsHashed(tt.fp); got != tt.want {
				t.Errorf("IsHashed(%q) = %v, want %v", tt.fp, got, tt.want)
			}
		})
	}
}

func TestResolve_ProviderIDPassthrough(t *testing.T) {
	payload := map[string]interface{}{"name": "cpu high"}
	got := Resolve(payload, "native-id-42", nil)
	if got != "native-id-42" {
		t.Errorf("expected provider id passthrough, got %q", got)
	}
}

func TestResolve_Deterministic(t *testing.T) {
	payload := map[string]interface{}{
		"name":   "disk full",
		"source": "prometheus",
	}
	first := Resolve(payload, "", nil)
	second := Resolve(payload, "", nil)
	if first != second {
		t.Errorf("expected stable fingerprint, got %q then %q", first, second)
	}
	if !IsHashed(first) {
		t.Errorf("expected a hashed fingerprint, got %q", first)
	}
}

func TestResolve_WhitespaceNormalized(t *testing.T) {
	a := Resolve(map[string]interface{}{"name": "disk  full", "source": " prometheus "}, "", nil)
	b := Resolve(map[string]interface{}{"name": "disk full", "source": "prometheus"}, "", nil)
	if a != b {
		t.Errorf("expected whitespace-normalized fingerprints to match: %q vs %q", a, b)
	}
}

func TestResolve_DistinguishesFields(t *testing.T) {
	a := Resolve(map[string]interface{}{"name": "x", "source": "y"}, "", nil)
	b := Resolve(map[string]interface{}{"name": "y", "source": "x"}, "", nil)
	if a == b {
		t.Error("expected different field values to produce different fingerprints")
	}
}

func TestResolve_CustomKeysWithDotPaths(t *testing.T) {
	payload := map[string]interface{}{
		"name": "latency",
		"labels": map[string]interface{}{
			"service": "checkout",
		},
	}
	a := Resolve(payload, "", []string{"name", "labels.service"})
	payload["labels"].(map[string]interface{})["service"] = "payments"
	b := Resolve(payload, "", []string{"name", "labels.service"})
	if a == b {
		t.Error("expected grouping label change to change the fingerprint")
	}
}

func TestResolve_MissingFieldIsEmpty(t *testing.T) {
	a := Resolve(map[string]interface{}{"name": "x"}, "", []string{"name", "nope"})
	b := Resolve(map[string]interface{}{"name": "x", "nope": ""}, "", []string{"name", "nope"})
	if a != b {
		t.Errorf("expected missing field to behave as empty: %q vs %q", a, b)
	}
}
