package paging

import "testing"

func TestNormalizeBounds(t *testing.T) {
	tests := []struct {
		name string
		in   Request
		want Request
	}{
		{name: "defaults when zero", in: Request{}, want: Request{Page: DefaultPage, Limit: DefaultLimit}},
		{name: "page floored", in: Request{Page: -5, Limit: 10}, want: Request{Page: DefaultPage, Limit: 10}},
		{name: "limit floored", in: Request{Page: 2, Limit: -1}, want: Request{Page: 2, Limit: DefaultLimit}},
		{name: "limit capped", in: Request{Page: 2, Limit: MaxLimit + 50}, want: Request{Page: 2, Limit: MaxLimit}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Normalize(tc.in); got != tc.want {
				t.Fatalf("Normalize(%+v) = %+v, want %+v", tc.in, got, tc.want)
			}
		})
	}
}

func TestTotalPagesAndOffset(t *testing.T) {
	tests := []struct {
		total int64
		limit int
		want  int
	}{
		{total: 0, limit: 10, want: 0},
		{total: 10, limit: 0, want: 0},
		{total: 1, limit: 20, want: 1},
		{total: 20, limit: 20, want: 1},
		{total: 21, limit: 20, want: 2},
	}
	for _, tc := range tests {
		if got := TotalPages(tc.total, tc.limit); got != tc.want {
			t.Fatalf("TotalPages(%d, %d) = %d, want %d", tc.total, tc.limit, got, tc.want)
		}
	}
	if off := (Request{Page: 3, Limit: 20}).Offset(); off != 40 {
		t.Fatalf("Offset = %d, want 40", off)
	}
}

func TestNewEmptyItems(t *testing.T) {
	p := New[int](nil, Request{Page: 1, Limit: 20}, 0)
	if p.Items == nil || len(p.Items) != 0 {
		t.Fatalf("expected empty non-nil items, got %#v", p.Items)
	}
}
