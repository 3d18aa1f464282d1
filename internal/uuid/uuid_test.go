package uuid

import "testing"

// TestNew tests that New() generates unique valid UUID v4 strings.
func TestNew(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id := New()
		if !IsValid(id) {
			t.Fatalf("New() = %q, not a valid v4 UUID", id)
		}
		if ids[id] {
			t.Fatalf("Duplicate UUID generated: %s", id)
		}
		ids[id] = true
	}
}

// TestIsValid tests UUID v4 validation.
func TestIsValid(t *testing.T) {
	tests := []struct {
		uuid string
		want bool
	}{
		{"f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"F47AC10B-58CC-4372-A567-0E02B2C3D479", true},
		{"f47ac10b-58cc-1372-a567-0e02b2c3d479", false},
		{"f47ac10b-58cc-4372-c567-0e02b2c3d479", false},
		{"f47ac10b58cc4372a5670e02b2c3d479", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsValid(tt.uuid); got != tt.want {
			t.Errorf("IsValid(%q) = %v, want %v", tt.uuid, got, tt.want)
		}
		if err := Validate(tt.uuid); (err == nil) != tt.want {
			t.Errorf("Validate(%q) error = %v", tt.uuid, err)
		}
	}
}

// TestGenerators verifies the V4 and Sequence generators.
func TestGenerators(t *testing.T) {
	if id := V4.NewID(); !IsValid(id) {
		t.Errorf("V4.NewID() = %q, not a valid v4 UUID", id)
	}

	seq := Sequence("doc")
	for _, want := range []string{"doc-1", "doc-2", "doc-3"} {
		if got := seq.NewID(); got != want {
			t.Errorf("Sequence.NewID() = %q, want %q", got, want)
		}
	}
}
