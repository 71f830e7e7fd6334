package utils

import "testing"

func TestAtoiDefault(t *testing.T) {
	cases := []struct {
		s    string
		def  int
		want int
	}{
		{"", 10, 10},
		{"42", 0, 42},
		{"-13", 1, -13},
		{"0012", 99, 12},
		// no trimming
		{"x", 5, 5},
		{" 42", 7, 7},
		// overflow
		{"999999999999999999999999", -1, -1},
	}

	for _, tc := range cases {
		if got := AtoiDefault(tc.s, tc.def); got != tc.want {
			t.Fatalf("AtoiDefault(%q, %d) = %d; want %d", tc.s, tc.def, got, tc.want)
		}
	}
}

func TestWindow(t *testing.T) {
	cases := []struct {
		page, size, def        int
		wantP, wantS, wantOffs int
	}{
		{1, 20, 50, 1, 20, 0},
		{3, 20, 50, 3, 20, 40},
		{0, 0, 50, 1, 50, 0},
		{-2, -5, 20, 1, 20, 0},
		{2, 1000, 20, 2, MaxPageSize, MaxPageSize},
	}
	for _, tc := range cases {
		p, s, off := Window(tc.page, tc.size, tc.def)
		if p != tc.wantP || s != tc.wantS || off != tc.wantOffs {
			t.Fatalf("Window(%d,%d,%d) = %d,%d,%d; want %d,%d,%d",
				tc.page, tc.size, tc.def, p, s, off, tc.wantP, tc.wantS, tc.wantOffs)
		}
	}
}

func TestTotalPages(t *testing.T) {
	cases := []struct {
		total int64
		size  int
		want  int
	}{
		{0, 10, 0},
		{1, 10, 1},
		{10, 10, 1},
		{25, 10, 3},
		{5, 0, 0},
	}
	for _, tc := range cases {
		if got := TotalPages(tc.total, tc.size); got != tc.want {
			t.Fatalf("TotalPages(%d,%d) = %d; want %d", tc.total, tc.size, got, tc.want)
		}
	}
}
