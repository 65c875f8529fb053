package device

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in       string
		expected Device
		wantErr  bool
	}{
		{"cpu", Host, false},
		{"", Host, false},
		{"cuda", Cuda(0), false},
		{"cuda:3", Cuda(3), false},
		{"CUDA:1", Cuda(1), false},
		{"cuda:-1", Device{}, true},
		{"tpu", Device{}, true},
	}

	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Expected error for %q", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("Unexpected error for %q: %v", tt.in, err)
			continue
		}
		if got != tt.expected {
			t.Errorf("Parse(%q): expected %v, got %v", tt.in, tt.expected, got)
		}
	}
}

func TestForRank(t *testing.T) {
	d, err := ForRank(nil, 0)
	if err != nil || d != Host {
		t.Errorf("Expected host device for empty gpu list, got %v (%v)", d, err)
	}

	d, err = ForRank([]int{4, 5}, 1)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if d.String() != "cuda:5" {
		t.Errorf("Expected cuda:5, got %s", d)
	}

	if _, err := ForRank([]int{4, 5}, 2); err == nil {
		t.Error("Expected error for rank outside gpu list")
	}
}

func TestHostDescription(t *testing.T) {
	if HostDescription() == "" {
		t.Error("Expected a non-empty host description")
	}
}
