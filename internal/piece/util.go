package piece

// PieceCount returns how many pieces are needed to cover `size` bytes.
func PieceCount(size uint64, pieceLen uint32) (uint32, bool) {
	if size <= 0 || pieceLen <= 0 {
		return 0, false
	}

	return uint32((size + uint64(pieceLen) - 1) / uint64(pieceLen)), true
}

// LastPieceLength returns the exact length of the final piece in bytes.
//
// If the total size is a perfect multiple of pieceLen, this returns pieceLen.
func LastPieceLength(size uint64, pieceLen uint32) (uint32, bool) {
	if size <= 0 || pieceLen <= 0 {
		return 0, false
	}

	rem := size % uint64(pieceLen)
	if rem == 0 {
		return pieceLen, true
	}

	return uint32(rem), true
}

// PieceLengthAt returns the length of piece `index`.
//
// All pieces are `pieceLen` long, except for the last piece, which may be shorter.
func PieceLengthAt(index uint32, size uint64, pieceLen uint32) (uint32, bool) {
	if index < 0 || size <= 0 || pieceLen <= 0 {
		return 0, false
	}

	count, ok := PieceCount(size, pieceLen)
	if !ok {
		return 0, false
	}
	if index >= count {
		return 0, false
	}

	if index == count-1 {
		return LastPieceLength(size, pieceLen)
	}

	return pieceLen, true
}

// PieceOffsetBounds returns the [start,end) byte offsets for a piece.
func PieceOffsetBounds(index uint32, size uint64, pieceLen uint32) (uint32, uint32, bool) {
	indexPieceLen, ok := PieceLengthAt(index, size, pieceLen)
	if !ok {
		return 0, 0, false
	}

	start := index * pieceLen
	end := start + indexPieceLen
	return start, end, true
}

// PieceIndexForOffset maps a stream offset to its piece index.
func PieceIndexForOffset(offset uint32, size uint64, pieceLen uint32) (uint32, bool) {
	if offset < 0 || uint64(offset) >= size || pieceLen <= 0 {
		return 0, false
	}

	return offset / pieceLen, true
}

