package sandbox

import "testing"

func TestParseCPU(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"500m", 500_000_000, false},
		{"1", 1_000_000_000, false},
		{"2.5", 2_500_000_000, false},
		{"not-a-quantity", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseCPU(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseCPU(%q): expected error, got nil", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseCPU(%q): unexpected error %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseCPU(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParseMemory(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"256Mi", 256 * 1024 * 1024, false},
		{"1Gi", 1024 * 1024 * 1024, false},
		{"512Ki", 512 * 1024, false},
		{"garbage", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseMemory(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseMemory(%q): expected error, got nil", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMemory(%q): unexpected error %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseMemory(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
