// Package piece owns the authoritative piece state for a single torrent:
// which pieces are wanted, in flight, or verified; which peer owns which
// in-flight piece; and the completed-piece buffers waiting to be flushed to
// the output stream in order. Pieces are requested and served whole — no
// sub-piece block pipelining, no endgame duplicate-ownership requesting.
package piece

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/config"
)

type pieceStatus uint8

const (
	pieceWant pieceStatus = iota
	pieceInflight
)

type pieceOwner struct {
	addr        netip.AddrPort
	requestedAt time.Time
}

type pieceState struct {
	index    uint32
	length   uint32
	verified bool
	status   pieceStatus
	owner    *pieceOwner
	hash     [sha1.Size]byte
	buf      []byte
}

// Request describes a whole piece a picker strategy wants a peer to fetch.
// This client requests and serves entire pieces in one message (Begin is
// always 0, Length is always the piece's length) rather than pipelining
// sub-piece blocks.
type Request struct {
	Piece  uint32
	Begin  uint32
	Length uint32
}

// PeerView is the information a selection strategy needs about one peer:
// its address, its announced bitfield, and whether it is currently
// unchoking us (interested strategies never assign pieces to a choked
// peer).
type PeerView struct {
	Addr     netip.AddrPort
	Bitfield *bitfield.Bitfield
	Unchoked bool
}

// Store is the authoritative, concurrency-safe record of piece progress for
// one torrent. Reads (piece status, availability lookups) may proceed in
// parallel; mutations take the write lock.
type Store struct {
	mu           sync.RWMutex
	pieces       []*pieceState
	availability *availabilityBucket
	have         *bitfield.Bitfield
	pieceCount   int
	pieceLength  int64
	totalSize    int64
	left         int64

	// cursor used by the in-order selection strategy.
	nextPiece int

	peerMu               sync.RWMutex
	peerBitfields        map[netip.AddrPort]*bitfield.Bitfield
	peerInflightCount    map[netip.AddrPort]int
	peerPieceAssignments map[netip.AddrPort]map[uint32]struct{}

	haveMu   sync.Mutex
	haveSubs map[netip.AddrPort]chan uint32

	outMu      sync.Mutex
	out        io.Writer
	writtenTo  int
	pendingOut map[int][]byte

	onPieceDone func(index int)
	log         *slog.Logger
}

var ErrBadPieceIndex = errors.New("piece: index out of range")

// NewStore builds a Store for a torrent of totalSize bytes, split into
// pieces of pieceLength bytes (the last piece may be shorter), verified
// against pieceHashes. Completed pieces are written to out in ascending
// order as soon as every piece before them has also completed.
func NewStore(
	pieceHashes [][sha1.Size]byte,
	pieceLength int64,
	totalSize int64,
	out io.Writer,
	onPieceDone func(index int),
	log *slog.Logger,
) (*Store, error) {
	n := len(pieceHashes)
	if n == 0 {
		return nil, errors.New("piece: no pieces")
	}

	pieces := make([]*pieceState, n)
	for i := 0; i < n; i++ {
		plen, ok := PieceLengthAt(uint32(i), uint64(totalSize), uint32(pieceLength))
		if !ok {
			return nil, ErrBadPieceIndex
		}

		pieces[i] = &pieceState{
			index:  uint32(i),
			length: plen,
			hash:   pieceHashes[i],
		}
	}

	return &Store{
		pieces:               pieces,
		pieceCount:           n,
		pieceLength:          pieceLength,
		totalSize:            totalSize,
		left:                 totalSize,
		availability:         newAvailabilityBucket(n),
		have:                 bitfield.New(n),
		peerBitfields:        make(map[netip.AddrPort]*bitfield.Bitfield),
		peerInflightCount:    make(map[netip.AddrPort]int),
		peerPieceAssignments: make(map[netip.AddrPort]map[uint32]struct{}),
		haveSubs:             make(map[netip.AddrPort]chan uint32),
		out:                  out,
		pendingOut:           make(map[int][]byte),
		onPieceDone:          onPieceDone,
		log:                  log.With("component", "piece store"),
	}, nil
}

// Bitfield returns a snapshot of the pieces we have fully verified.
func (s *Store) Bitfield() *bitfield.Bitfield {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.have.Clone()
}

func (s *Store) Have(i int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.have.Has(i)
}

func (s *Store) Left() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.left
}

func (s *Store) IsComplete() bool {
	return s.Left() == 0
}

func (s *Store) PieceCount() int { return s.pieceCount }

// Subscribe registers addr for Have broadcasts, returning a channel fed by
// broadcastHave. The channel is buffered; a subscriber too slow to drain it
// is dropped on the next broadcast rather than blocking the store.
func (s *Store) Subscribe(addr netip.AddrPort) <-chan uint32 {
	ch := make(chan uint32, 64)

	s.haveMu.Lock()
	s.haveSubs[addr] = ch
	s.haveMu.Unlock()

	return ch
}

func (s *Store) Unsubscribe(addr netip.AddrPort) {
	s.haveMu.Lock()
	defer s.haveMu.Unlock()

	if ch, ok := s.haveSubs[addr]; ok {
		delete(s.haveSubs, addr)
		close(ch)
	}
}

func (s *Store) broadcastHave(piece uint32) {
	s.haveMu.Lock()
	defer s.haveMu.Unlock()

	for addr, ch := range s.haveSubs {
		select {
		case ch <- piece:
		default:
			// subscriber too slow to keep up; treat as dead and drop it
			// rather than block the store on a stalled peer.
			delete(s.haveSubs, addr)
			close(ch)
		}
	}
}

// PeerBitfield returns the last-known bitfield announced by peer, or nil
// if we have not recorded one.
func (s *Store) PeerBitfield(peer netip.AddrPort) *bitfield.Bitfield {
	s.peerMu.RLock()
	defer s.peerMu.RUnlock()
	return s.peerBitfields[peer]
}

// OnPeerBitfield records a peer's initial bitfield and folds it into the
// rarity buckets.
func (s *Store) OnPeerBitfield(peer netip.AddrPort, bf *bitfield.Bitfield) {
	s.peerMu.Lock()
	s.peerBitfields[peer] = bf
	s.peerMu.Unlock()

	s.mu.RLock()
	weHave := s.have.Clone()
	s.mu.RUnlock()

	for i := 0; i < s.pieceCount; i++ {
		if bf.Has(i) && !weHave.Has(i) {
			s.availability.Move(i, 1)
		}
	}
}

// OnPeerHave records a single Have announcement.
func (s *Store) OnPeerHave(peer netip.AddrPort, piece int) {
	if piece < 0 || piece >= s.pieceCount {
		return
	}

	s.peerMu.Lock()
	defer s.peerMu.Unlock()

	bf, ok := s.peerBitfields[peer]
	if !ok {
		bf = bitfield.New(s.pieceCount)
		s.peerBitfields[peer] = bf
	}
	if bf.Has(piece) {
		return
	}

	bf.Set(piece)
	s.availability.Move(piece, 1)
}

// OnPeerGone releases a peer's in-flight piece ownership and folds its
// bitfield back out of the rarity buckets.
func (s *Store) OnPeerGone(peer netip.AddrPort) {
	s.peerMu.Lock()
	bf, hadBF := s.peerBitfields[peer]
	assignments := s.peerPieceAssignments[peer]
	indices := make([]uint32, 0, len(assignments))
	for idx := range assignments {
		indices = append(indices, idx)
	}
	delete(s.peerBitfields, peer)
	delete(s.peerPieceAssignments, peer)
	delete(s.peerInflightCount, peer)
	s.peerMu.Unlock()

	s.mu.Lock()
	for _, idx := range indices {
		s.resetPieceLocked(idx)
	}
	s.mu.Unlock()

	if hadBF {
		s.mu.RLock()
		weHave := s.have.Clone()
		s.mu.RUnlock()

		for i := 0; i < s.pieceCount; i++ {
			if bf.Has(i) && !weHave.Has(i) {
				s.availability.Move(i, -1)
			}
		}
	}
}

// OnPeerChoked releases a peer's in-flight piece ownership without folding
// out its bitfield or availability accounting, since a choke (unlike a
// disconnect) doesn't change what the peer has — only whether we can still
// ask it for anything. A piece stays assigned to exactly one peer from
// createRequest until the peer either delivers it, chokes us, disconnects,
// or holds it past the timeout given to CheckTimeouts.
func (s *Store) OnPeerChoked(peer netip.AddrPort) {
	s.peerMu.Lock()
	assignments := s.peerPieceAssignments[peer]
	indices := make([]uint32, 0, len(assignments))
	for idx := range assignments {
		indices = append(indices, idx)
	}
	delete(s.peerPieceAssignments, peer)
	delete(s.peerInflightCount, peer)
	s.peerMu.Unlock()

	s.mu.Lock()
	for _, idx := range indices {
		s.resetPieceLocked(idx)
	}
	s.mu.Unlock()
}

func (s *Store) resetPieceLocked(piece uint32) {
	if int(piece) >= len(s.pieces) {
		return
	}
	p := s.pieces[piece]
	if p.status == pieceInflight {
		p.status = pieceWant
		p.owner = nil
	}
}

// CheckTimeouts releases any piece whose owner has held it past timeout,
// returning a Request per released piece so the caller can log them.
func (s *Store) CheckTimeouts(timeout time.Duration) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var expired []Request

	for _, p := range s.pieces {
		if p.verified || p.status != pieceInflight || p.owner == nil {
			continue
		}
		if now.Sub(p.owner.requestedAt) <= timeout {
			continue
		}

		s.peerMu.Lock()
		s.unassignLocked(p.owner.addr, p.index)
		s.peerMu.Unlock()
		p.status = pieceWant
		p.owner = nil

		expired = append(expired, Request{Piece: p.index, Begin: 0, Length: p.length})
	}

	return expired
}

// OnBlockReceived records a whole-piece Piece message: it verifies the
// SHA-1 digest, and on success marks the piece complete, folds it into the
// have bitfield, flushes it (along with any now-contiguous successors) to
// the output stream, and announces it via onPieceDone/broadcastHave. On a
// hash mismatch, or a message that isn't a single whole-piece transfer
// (begin must be 0 and length the full piece length — this client does not
// pipeline sub-piece chunks), the piece is reset to want and re-requested
// from scratch.
func (s *Store) OnBlockReceived(peer netip.AddrPort, piece, begin uint32, data []byte) error {
	s.unassign(peer, piece)

	s.mu.Lock()

	if int(piece) >= len(s.pieces) {
		s.mu.Unlock()
		return ErrBadPieceIndex
	}
	p := s.pieces[piece]
	if p.verified {
		s.mu.Unlock()
		return nil
	}

	if begin != 0 || uint32(len(data)) != p.length {
		s.log.Warn("non-whole-piece transfer, re-requesting", "piece", piece, "begin", begin, "length", len(data))
		p.status = pieceWant
		p.owner = nil
		s.mu.Unlock()
		return nil
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	if sha1.Sum(buf) != p.hash {
		s.log.Warn("piece hash mismatch, re-requesting", "piece", piece)
		p.status = pieceWant
		p.owner = nil
		s.mu.Unlock()
		return nil
	}

	p.verified = true
	p.buf = buf
	s.left -= int64(p.length)
	s.have.Set(int(piece))
	s.mu.Unlock()

	s.flush(int(piece), buf)
	s.broadcastHave(piece)
	if s.onPieceDone != nil {
		s.onPieceDone(int(piece))
	}

	return nil
}

// ReadBlock returns a copy of length bytes at begin within a verified
// piece, for serving an upload request. Verified piece bytes are kept
// resident in memory for the lifetime of the Store (traded for not having
// to re-open and seek a backing file on every upload) rather than being
// discarded once flushed.
func (s *Store) ReadBlock(piece, begin, length uint32) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if int(piece) >= len(s.pieces) {
		return nil, ErrBadPieceIndex
	}
	p := s.pieces[piece]
	if !p.verified || p.buf == nil {
		return nil, errors.New("piece: not available for upload")
	}
	if uint64(begin)+uint64(length) > uint64(len(p.buf)) {
		return nil, errors.New("piece: requested range out of bounds")
	}

	out := make([]byte, length)
	copy(out, p.buf[begin:begin+length])
	return out, nil
}

// SeedFromReader verifies every piece's hash against src and marks the
// whole torrent complete without writing anything to out, for the -f
// bootstrap path where the caller already holds the full payload on disk.
// A piece that fails verification is left wanted, same as a corrupt
// in-flight download.
func (s *Store) SeedFromReader(src io.ReaderAt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var offset int64
	for _, p := range s.pieces {
		buf := make([]byte, p.length)
		if _, err := src.ReadAt(buf, offset); err != nil {
			return fmt.Errorf("piece: seed read piece %d: %w", p.index, err)
		}
		offset += int64(p.length)

		if sha1.Sum(buf) != p.hash {
			s.log.Warn("seed source failed verification, leaving piece wanted", "piece", p.index)
			continue
		}

		p.buf = buf
		p.verified = true
		s.have.Set(int(p.index))
		s.left -= int64(p.length)
	}

	return nil
}

// flush buffers a just-verified piece and writes out any run of
// contiguous, not-yet-written pieces starting at the lowest pending index.
func (s *Store) flush(index int, data []byte) {
	s.outMu.Lock()
	defer s.outMu.Unlock()

	if s.out == nil {
		return
	}

	s.pendingOut[index] = data
	for s.writtenTo < s.pieceCount {
		d, ok := s.pendingOut[s.writtenTo]
		if !ok {
			break
		}
		if _, err := s.out.Write(d); err != nil {
			s.log.Error("write piece failed", "piece", s.writtenTo, "error", err)
		}
		delete(s.pendingOut, s.writtenTo)
		s.writtenTo++
	}
}

func (s *Store) assign(peer netip.AddrPort, piece uint32) {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()

	if s.peerPieceAssignments[peer] == nil {
		s.peerPieceAssignments[peer] = make(map[uint32]struct{})
	}
	s.peerPieceAssignments[peer][piece] = struct{}{}
	s.peerInflightCount[peer]++
}

func (s *Store) unassign(peer netip.AddrPort, piece uint32) {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	s.unassignLocked(peer, piece)
}

func (s *Store) unassignLocked(peer netip.AddrPort, piece uint32) {
	if assignments, ok := s.peerPieceAssignments[peer]; ok {
		delete(assignments, piece)
		if len(assignments) == 0 {
			delete(s.peerPieceAssignments, peer)
		}
	}
	if count := s.peerInflightCount[peer]; count > 0 {
		s.peerInflightCount[peer]--
		if s.peerInflightCount[peer] == 0 {
			delete(s.peerInflightCount, peer)
		}
	}
}

// peerCapacity returns how many more pieces we may request from peer before
// hitting QueueLength, the fixed cap on pieces in flight per peer.
func (s *Store) peerCapacity(peer netip.AddrPort) int {
	s.peerMu.RLock()
	used := s.peerInflightCount[peer]
	s.peerMu.RUnlock()

	cap := config.Load().QueueLength - used
	if cap < 0 {
		return 0
	}
	return cap
}

func (s *Store) isPieceAssignedToPeer(peer netip.AddrPort, piece uint32) bool {
	s.peerMu.RLock()
	defer s.peerMu.RUnlock()

	assignments, ok := s.peerPieceAssignments[peer]
	if !ok {
		return false
	}
	_, assigned := assignments[piece]
	return assigned
}

// isSelectable reports whether piece i is still worth requesting: not yet
// verified and present in peerBF.
func (s *Store) isSelectable(i int, peerBF *bitfield.Bitfield) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.have.Has(i) && !s.pieces[i].verified && peerBF.Has(i)
}

// createRequest marks a want-status piece as in-flight, owned by peer until
// it delivers, chokes us, disconnects, or times out, and returns the whole-piece
// request (begin=0, length=the piece's length) for it.
func (s *Store) createRequest(peer netip.AddrPort, pieceIdx uint32) (Request, bool) {
	s.mu.Lock()
	p := s.pieces[pieceIdx]
	if p.status != pieceWant {
		s.mu.Unlock()
		return Request{}, false
	}
	p.status = pieceInflight
	p.owner = &pieceOwner{addr: peer, requestedAt: time.Now()}
	length := p.length
	s.mu.Unlock()

	s.assign(peer, pieceIdx)
	return Request{Piece: pieceIdx, Begin: 0, Length: length}, true
}
