package piece

import (
	"math/rand/v2"

	"github.com/prxssh/rabbit/internal/config"
)

// Selector is the piece-selection policy a Store consults to decide which
// pieces to request next from a given peer. It returns an ordered list of
// piece indices, skipping pieces already assigned to this peer;
// NextForPeer turns the ones that are still available into whole-piece
// Requests.
type Selector func(s *Store, peer *PeerView, n int) []uint32

// SelectorFor returns the Selector matching the configured strategy name.
func SelectorFor(name config.PieceSelectionStrategy) Selector {
	switch name {
	case config.PieceSelectionInOrder:
		return SelectInOrder
	case config.PieceSelectionBiTOS:
		return SelectBiTOS
	default:
		return SelectRarestFirst
	}
}

// NextForPeer returns up to n new whole-piece requests for peer, using sel
// to pick which pieces to go after. A piece stays assigned to exactly one
// peer from the moment it is requested until that peer delivers it, chokes
// us, disconnects, or holds it past the request timeout (CheckTimeouts), so
// no piece is ever requested from two peers at once.
func (s *Store) NextForPeer(peer *PeerView, n int, sel Selector) []Request {
	if !peer.Unchoked || n <= 0 {
		return nil
	}

	capacity := s.peerCapacity(peer.Addr)
	if capacity == 0 {
		return nil
	}
	n = min(n, capacity)

	indices := sel(s, peer, n)

	reqs := make([]Request, 0, len(indices))
	for _, idx := range indices {
		if len(reqs) >= n {
			break
		}
		req, ok := s.createRequest(peer.Addr, idx)
		if ok {
			reqs = append(reqs, req)
		}
	}
	return reqs
}

// SelectInOrder walks pieces from the lowest uncompleted index. Used for
// streamable playback where early bytes must arrive first.
func SelectInOrder(s *Store, peer *PeerView, n int) []uint32 {
	indices := make([]uint32, 0, n)

	for s.nextPiece < s.pieceCount {
		s.mu.RLock()
		done := s.pieces[s.nextPiece].verified
		s.mu.RUnlock()
		if !done {
			break
		}
		s.nextPiece++
	}

	for i := s.nextPiece; i < s.pieceCount && len(indices) < n; i++ {
		if !s.isSelectable(i, peer.Bitfield) {
			continue
		}
		if s.isPieceAssignedToPeer(peer.Addr, uint32(i)) {
			continue
		}
		indices = append(indices, uint32(i))
	}

	return indices
}

// SelectRarestFirst walks pieces in ascending availability order (rarest
// pieces first), spreading demand for scarce pieces across the swarm
// before common ones, which keeps every piece obtainable even as seeders
// leave.
func SelectRarestFirst(s *Store, peer *PeerView, n int) []uint32 {
	rarest, ok := s.availability.FirstNonEmpty()
	if !ok {
		return nil
	}

	indices := make([]uint32, 0, n)

	for a := rarest; a <= s.availability.maxAvail && len(indices) < n; a++ {
		for _, i := range s.availability.Bucket(a) {
			if len(indices) >= n {
				break
			}
			if !s.isSelectable(i, peer.Bitfield) {
				continue
			}
			if s.isPieceAssignedToPeer(peer.Addr, uint32(i)) {
				continue
			}
			indices = append(indices, uint32(i))
		}
	}

	return indices
}

// SelectBiTOS ("BitTorrent Optimal Scheduling") flips a biased coin for
// each requested slot: with probability inOrderBias the slot gets the next
// in-order piece (favoring smooth, mostly-sequential progress), otherwise
// the rarest piece (protecting piece availability). A piece already picked
// for an earlier slot is skipped, so no index is returned twice.
func SelectBiTOS(s *Store, peer *PeerView, n int) []uint32 {
	const inOrderBias = 0.8

	indices := make([]uint32, 0, n)
	seen := make(map[uint32]struct{}, n)

	for len(indices) < n {
		before := len(indices)

		var batch []uint32
		if rand.Float64() < inOrderBias {
			batch = SelectInOrder(s, peer, len(indices)+1)
		} else {
			batch = SelectRarestFirst(s, peer, len(indices)+1)
		}

		// one slot per coin flip: take the first candidate not yet picked.
		for _, idx := range batch {
			if _, dup := seen[idx]; dup {
				continue
			}
			seen[idx] = struct{}{}
			indices = append(indices, idx)
			break
		}

		if len(indices) == before {
			// both sub-selectors draw from the same selectable pieces, so
			// both are exhausted for this peer right now.
			break
		}
	}

	return indices
}
