package piece

import "testing"

func TestPieceCount(t *testing.T) {
	tests := []struct {
		name       string
		size       uint64
		pieceLen   uint32
		want_count uint32
		want_ok    bool
	}{
		{"zero size", 0, 1024, 0, false},
		{"zero pieceLen", 1024, 0, 0, false},
		{"exact fit", 2048, 1024, 2, true},
		{"one extra byte", 2049, 1024, 3, true},
		{"less than one piece", 512, 1024, 1, true},
		{"large size", 1 << 30, 1 << 20, 1024, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got_count, got_ok := PieceCount(tt.size, tt.pieceLen)
			if got_count != tt.want_count || got_ok != tt.want_ok {
				t.Errorf(
					"PieceCount() = (%v, %v), want (%v, %v)",
					got_count,
					got_ok,
					tt.want_count,
					tt.want_ok,
				)
			}
		})
	}
}

func TestLastPieceLength(t *testing.T) {
	tests := []struct {
		name     string
		size     uint64
		pieceLen uint32
		want_len uint32
		want_ok  bool
	}{
		{"zero size", 0, 1024, 0, false},
		{"zero pieceLen", 1024, 0, 0, false},
		{"exact fit", 2048, 1024, 1024, true},
		{"one extra byte", 2049, 1024, 1, true},
		{"less than one piece", 512, 1024, 512, true},
		{"large size", (1 << 30) + 123, 1 << 20, 123, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got_len, got_ok := LastPieceLength(tt.size, tt.pieceLen)
			if got_len != tt.want_len || got_ok != tt.want_ok {
				t.Errorf(
					"LastPieceLength() = (%v, %v), want (%v, %v)",
					got_len,
					got_ok,
					tt.want_len,
					tt.want_ok,
				)
			}
		})
	}
}

func TestPieceLengthAt(t *testing.T) {
	tests := []struct {
		name     string
		index    uint32
		size     uint64
		pieceLen uint32
		want_len uint32
		want_ok  bool
	}{
		{"zero size", 0, 0, 1024, 0, false},
		{"zero pieceLen", 0, 1024, 0, 0, false},
		{"first piece", 0, 2048, 1024, 1024, true},
		{"last piece", 1, 2048, 1024, 1024, true},
		{"out of bounds", 2, 2048, 1024, 0, false},
		{"last piece (not exact)", 2, 2049, 1024, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got_len, got_ok := PieceLengthAt(tt.index, tt.size, tt.pieceLen)
			if got_len != tt.want_len || got_ok != tt.want_ok {
				t.Errorf(
					"PieceLengthAt() = (%v, %v), want (%v, %v)",
					got_len,
					got_ok,
					tt.want_len,
					tt.want_ok,
				)
			}
		})
	}
}

func TestPieceOffsetBounds(t *testing.T) {
	tests := []struct {
		name       string
		index      uint32
		size       uint64
		pieceLen   uint32
		want_start uint32
		want_end   uint32
		want_ok    bool
	}{
		{"zero size", 0, 0, 1024, 0, 0, false},
		{"first piece", 0, 2048, 1024, 0, 1024, true},
		{"second piece", 1, 2048, 1024, 1024, 2048, true},
		{"last piece (not exact)", 2, 2049, 1024, 2048, 2049, true},
		{"out of bounds", 3, 2049, 1024, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got_start, got_end, got_ok := PieceOffsetBounds(
				tt.index,
				tt.size,
				tt.pieceLen,
			)
			if got_start != tt.want_start || got_end != tt.want_end ||
				got_ok != tt.want_ok {
				t.Errorf(
					"PieceOffsetBounds() = (%v, %v, %v), want (%v, %v, %v)",
					got_start,
					got_end,
					got_ok,
					tt.want_start,
					tt.want_end,
					tt.want_ok,
				)
			}
		})
	}
}

func TestPieceIndexForOffset(t *testing.T) {
	tests := []struct {
		name       string
		offset     uint32
		size       uint64
		pieceLen   uint32
		want_index uint32
		want_ok    bool
	}{
		{"zero offset", 0, 2048, 1024, 0, true},
		{"in first piece", 512, 2048, 1024, 0, true},
		{"at boundary", 1024, 2048, 1024, 1, true},
		{"in second piece", 1536, 2048, 1024, 1, true},
		{"out of bounds", 2048, 2048, 1024, 0, false},
		{"zero pieceLen", 1024, 2048, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got_index, got_ok := PieceIndexForOffset(tt.offset, tt.size, tt.pieceLen)
			if got_index != tt.want_index || got_ok != tt.want_ok {
				t.Errorf(
					"PieceIndexForOffset() = (%v, %v), want (%v, %v)",
					got_index,
					got_ok,
					tt.want_index,
					tt.want_ok,
				)
			}
		})
	}
}

