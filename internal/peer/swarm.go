package peer

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/piece"
)

// Swarm owns every peer connection for one torrent: it dials/accepts
// peers, routes their wire events into the shared piece.Store, drives the
// two-pass choking algorithm, and aggregates per-peer stats.
type Swarm struct {
	logger                     *slog.Logger
	peerMut                    sync.RWMutex
	peers                      map[netip.AddrPort]*Peer
	infoHash                   [sha1.Size]byte
	store                      *piece.Store
	selector                   piece.Selector
	isSeeder                   bool
	stats                      *SwarmStats
	cancel                     context.CancelFunc
	optimisticUnchokedPeerAddr netip.AddrPort
	peerConnectCh              chan netip.AddrPort
}

type SwarmStats struct {
	TotalPeers       atomic.Uint32
	ConnectingPeers  atomic.Uint32
	FailedConnection atomic.Uint32
	UnchokedPeers    atomic.Uint32
	InterestedPeers  atomic.Uint32
	UploadingTo      atomic.Uint32
	DownloadingFrom  atomic.Uint32
	TotalDownloaded  atomic.Uint64
	TotalUploaded    atomic.Uint64
	DownloadRate     atomic.Uint64
	UploadRate       atomic.Uint64
}

// SwarmOpts configures a new Swarm. Store is the torrent's shared piece
// state; Selector picks which strategy NextForPeer uses when a peer
// becomes unchokeable or requests more work.
type SwarmOpts struct {
	Logger   *slog.Logger
	InfoHash [sha1.Size]byte
	Store    *piece.Store
	Selector piece.Selector
	IsSeeder bool
}

type SwarmMetrics struct {
	TotalPeers       uint32 `json:"totalPeers"`
	ConnectingPeers  uint32 `json:"connectingPeers"`
	FailedConnection uint32 `json:"failedConnection"`
	UnchokedPeers    uint32 `json:"unchokedPeers"`
	InterestedPeers  uint32 `json:"interestedPeers"`
	UploadingTo      uint32 `json:"uploadingTo"`
	DownloadingFrom  uint32 `json:"downloadingFrom"`
	TotalDownloaded  uint64 `json:"totalDownloaded"`
	TotalUploaded    uint64 `json:"totalUploaded"`
	DownloadRate     uint64 `json:"downloadRate"`
	UploadRate       uint64 `json:"uploadRate"`
}

func NewSwarm(opts *SwarmOpts) *Swarm {
	return &Swarm{
		infoHash:      opts.InfoHash,
		store:         opts.Store,
		selector:      opts.Selector,
		stats:         &SwarmStats{},
		peers:         make(map[netip.AddrPort]*Peer),
		peerConnectCh: make(chan netip.AddrPort, config.Load().MaxPeers),
		logger:        opts.Logger.With("source", "peer_swarm"),
		isSeeder:      opts.IsSeeder,
	}
}

func (s *Swarm) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", config.Load().Port))
	if err != nil {
		return fmt.Errorf("peer swarm: listen: %w", err)
	}
	defer listener.Close()

	var wg sync.WaitGroup

	wg.Add(4)
	go func() { defer wg.Done(); s.maintenanceLoop(ctx) }()
	go func() { defer wg.Done(); s.statsLoop(ctx) }()
	go func() { defer wg.Done(); s.chokeLoop(ctx) }()
	go func() { defer wg.Done(); s.acceptLoop(ctx, listener) }()

	const dialWorkers = 10
	wg.Add(dialWorkers)
	for i := 0; i < dialWorkers; i++ {
		go func() { defer wg.Done(); s.peerDialerLoop(ctx) }()
	}

	wg.Wait()

	return nil
}

// acceptLoop serves incoming peer connections for as long as ctx is live,
// refusing any beyond MaxPeers and handing each accepted connection to its
// own acceptPeer goroutine, which completes the handshake there.
func (s *Swarm) acceptLoop(ctx context.Context, listener net.Listener) {
	l := s.logger.With("component", "accept loop")
	l.Debug("started", "addr", listener.Addr())

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.Warn("accept failed", "error", err)
			continue
		}

		s.peerMut.RLock()
		totalPeers := len(s.peers)
		s.peerMut.RUnlock()
		if totalPeers >= config.Load().MaxPeers {
			_ = conn.Close()
			continue
		}

		go s.acceptPeer(ctx, conn)
	}
}

func (s *Swarm) acceptPeer(ctx context.Context, conn net.Conn) {
	peer, err := AcceptPeer(ctx, conn, &PeerOpts{
		Log:          s.logger,
		PieceCount:   s.store.PieceCount(),
		InfoHash:     s.infoHash,
		OnBitfield:   s.onPeerBitfield,
		OnHave:       s.onPeerHave,
		OnDisconnect: s.onPeerDisconnect,
		OnPiece:      s.onPeerPiece,
		OnRequest:    s.onPeerRequest,
		OnChoke:      s.onPeerChoked,
		RequestWork:  s.requestMore,
	})
	if err != nil {
		s.stats.FailedConnection.Add(1)
		s.logger.Debug("inbound handshake failed", "error", err)
		return
	}

	s.peerMut.Lock()
	if _, dup := s.peers[peer.addr]; dup {
		s.peerMut.Unlock()
		peer.Close()
		return
	}
	s.peers[peer.addr] = peer
	s.peerMut.Unlock()

	s.stats.TotalPeers.Add(1)
	peer.SendBitfield(s.store.Bitfield())

	defer s.removePeer(peer.addr)
	peer.Run(ctx)
}

func (s *Swarm) Stats() SwarmMetrics {
	ps := s.stats
	return SwarmMetrics{
		TotalPeers:       ps.TotalPeers.Load(),
		ConnectingPeers:  ps.ConnectingPeers.Load(),
		FailedConnection: ps.FailedConnection.Load(),
		UnchokedPeers:    ps.UnchokedPeers.Load(),
		InterestedPeers:  ps.InterestedPeers.Load(),
		UploadingTo:      ps.UploadingTo.Load(),
		DownloadingFrom:  ps.DownloadingFrom.Load(),
		TotalDownloaded:  ps.TotalDownloaded.Load(),
		TotalUploaded:    ps.TotalUploaded.Load(),
		DownloadRate:     ps.DownloadRate.Load(),
		UploadRate:       ps.UploadRate.Load(),
	}
}

func (s *Swarm) PeerMetrics() []PeerMetrics {
	s.peerMut.RLock()
	defer s.peerMut.RUnlock()

	metrics := make([]PeerMetrics, 0, len(s.peers))
	for _, peer := range s.peers {
		metrics = append(metrics, peer.Stats())
	}

	return metrics
}

// AdmitPeers queues newly discovered addresses (from a tracker announce)
// to be dialed by the dialer pool. Non-blocking: a full queue drops and
// logs rather than stalling the caller.
func (s *Swarm) AdmitPeers(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		select {
		case s.peerConnectCh <- addr:
		default:
			s.logger.Warn("admit peer queue full; dropping", "addr", addr)
		}
	}
}

func (s *Swarm) addPeer(ctx context.Context, addr netip.AddrPort) (*Peer, error) {
	s.peerMut.RLock()
	_, dup := s.peers[addr]
	totalPeers := len(s.peers)
	s.peerMut.RUnlock()

	if dup {
		return nil, nil
	}
	if totalPeers >= config.Load().MaxPeers {
		return nil, nil
	}

	s.stats.ConnectingPeers.Add(1)

	peer, err := NewPeer(ctx, addr, &PeerOpts{
		Log:          s.logger,
		PieceCount:   s.store.PieceCount(),
		InfoHash:     s.infoHash,
		OnBitfield:   s.onPeerBitfield,
		OnHave:       s.onPeerHave,
		OnDisconnect: s.onPeerDisconnect,
		OnPiece:      s.onPeerPiece,
		OnRequest:    s.onPeerRequest,
		OnChoke:      s.onPeerChoked,
		RequestWork:  s.requestMore,
	})
	s.stats.ConnectingPeers.Add(^uint32(0))

	if err != nil {
		s.stats.FailedConnection.Add(1)
		return nil, err
	}

	s.peerMut.Lock()
	s.peers[peer.addr] = peer
	s.peerMut.Unlock()

	s.stats.TotalPeers.Add(1)

	peer.SendBitfield(s.store.Bitfield())

	return peer, nil
}

func (s *Swarm) removePeer(addr netip.AddrPort) {
	s.peerMut.Lock()
	if _, exists := s.peers[addr]; !exists {
		s.peerMut.Unlock()
		return
	}
	delete(s.peers, addr)
	s.peerMut.Unlock()

	s.stats.TotalPeers.Add(^uint32(0))
	s.store.OnPeerGone(addr)
}

func (s *Swarm) GetPeer(addr netip.AddrPort) (*Peer, bool) {
	s.peerMut.RLock()
	defer s.peerMut.RUnlock()

	peer, ok := s.peers[addr]
	return peer, ok
}

// onPeerBitfield folds a peer's announced bitfield into the shared store
// and sends Interested if the peer has a piece we still want. Requests
// follow once the peer unchokes us.
func (s *Swarm) onPeerBitfield(addr netip.AddrPort, bf *bitfield.Bitfield) {
	s.store.OnPeerBitfield(addr, bf)
	s.maybeInterested(addr, bf)
}

func (s *Swarm) onPeerHave(addr netip.AddrPort, piece int) {
	s.store.OnPeerHave(addr, piece)

	if peer, ok := s.GetPeer(addr); ok && !peer.AmInterested() && !s.store.Have(piece) {
		peer.SendInterested()
	}
}

func (s *Swarm) onPeerDisconnect(addr netip.AddrPort) {
	s.removePeer(addr)
}

// onPeerChoked releases any piece addr was holding for us so it can be
// re-requested from another peer immediately, rather than waiting out
// RequestTimeout.
func (s *Swarm) onPeerChoked(addr netip.AddrPort) {
	s.store.OnPeerChoked(addr)
}

func (s *Swarm) onPeerPiece(addr netip.AddrPort, pieceIdx, begin int, block []byte) {
	if err := s.store.OnBlockReceived(addr, uint32(pieceIdx), uint32(begin), block); err != nil {
		s.logger.Warn("block receive failed", "addr", addr, "error", err)
	}
	s.requestMore(addr)
}

// onPeerRequest serves an upload: a peer we've unchoked asked for a block
// we have verified. SendPiece itself refuses to send while we're choking
// the peer, so a stale request racing a just-issued choke is a silent
// no-op rather than a protocol violation.
func (s *Swarm) onPeerRequest(addr netip.AddrPort, pieceIdx, begin, length int) {
	peer, ok := s.GetPeer(addr)
	if !ok {
		return
	}

	block, err := s.store.ReadBlock(uint32(pieceIdx), uint32(begin), uint32(length))
	if err != nil {
		s.logger.Debug("upload request for unavailable block", "addr", addr, "error", err)
		return
	}

	peer.SendPiece(uint32(pieceIdx), uint32(begin), block)
}

// maybeInterested expresses interest in addr if its bitfield has at least
// one piece we still want.
func (s *Swarm) maybeInterested(addr netip.AddrPort, bf *bitfield.Bitfield) {
	peer, ok := s.GetPeer(addr)
	if !ok || peer.AmInterested() {
		return
	}

	for i := 0; i < s.store.PieceCount(); i++ {
		if bf.Has(i) && !s.store.Have(i) {
			peer.SendInterested()
			return
		}
	}
}

// requestMore asks the store for fresh whole-piece requests for addr and
// dispatches them over the wire. Called when a peer unchokes us and after
// every received piece.
func (s *Swarm) requestMore(addr netip.AddrPort) {
	peer, ok := s.GetPeer(addr)
	if !ok || peer.PeerChoking() {
		return
	}

	bf := s.store.PeerBitfield(addr)
	if bf == nil {
		return
	}

	view := &piece.PeerView{Addr: addr, Unchoked: true, Bitfield: bf}

	want := config.Load().QueueLength
	reqs := s.store.NextForPeer(view, want, s.selector)
	for _, r := range reqs {
		peer.SendRequest(r.Piece, r.Begin, r.Length)
	}
}

func (s *Swarm) maintenanceLoop(ctx context.Context) {
	l := s.logger.With("component", "maintenance loop")
	l.Debug("started")

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			maxIdle := config.Load().PeerInactivityDuration
			var inactivePeerAddrs []netip.AddrPort

			s.peerMut.RLock()
			for addr, peer := range s.peers {
				if peer.Idleness() > maxIdle {
					inactivePeerAddrs = append(inactivePeerAddrs, addr)
				}
			}
			s.peerMut.RUnlock()

			for _, addr := range inactivePeerAddrs {
				if peer, ok := s.GetPeer(addr); ok {
					peer.Close()
				}
				s.removePeer(addr)
			}

			if n := len(inactivePeerAddrs); n > 0 {
				l.Info("removed inactive peers", "count", n)
			}

			if expired := s.store.CheckTimeouts(config.Load().RequestTimeout); len(expired) > 0 {
				l.Debug("released timed-out block requests", "count", len(expired))
			}
		}
	}
}

func (s *Swarm) peerDialerLoop(ctx context.Context) {
	l := s.logger.With("component", "peer dialer loop")
	l.Debug("started")

	for {
		select {
		case <-ctx.Done():
			return

		case peerAddr, ok := <-s.peerConnectCh:
			if !ok {
				return
			}

			peer, err := s.addPeer(ctx, peerAddr)
			if err != nil {
				l.Debug("peer connection failed", "addr", peerAddr, "error", err.Error())
				continue
			}
			if peer == nil { // duplicate or swarm full
				continue
			}

			go func(p *Peer) {
				defer s.removePeer(p.addr)
				p.Run(ctx)
			}(peer)
		}
	}
}

func (s *Swarm) statsLoop(ctx context.Context) {
	l := s.logger.With("component", "stats loop")
	l.Debug("started")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Warn("context done, exiting", "error", ctx.Err())
			return

		case <-ticker.C:
			var totUp, totDown, upRate, downRate uint64
			var unchoked, interested, uploadingTo, downloadingFrom uint32

			s.peerMut.RLock()
			for _, peer := range s.peers {
				totUp += peer.stats.Uploaded.Load()
				totDown += peer.stats.Downloaded.Load()
				ru := peer.stats.UploadRate.Load()
				rd := peer.stats.DownloadRate.Load()
				upRate += ru
				downRate += rd

				if !peer.AmChoking() {
					unchoked++
				}
				if peer.PeerInterested() {
					interested++
				}
				if ru > 0 {
					uploadingTo++
				}
				if rd > 0 {
					downloadingFrom++
				}
			}
			s.peerMut.RUnlock()

			s.stats.TotalUploaded.Store(totUp)
			s.stats.TotalDownloaded.Store(totDown)
			s.stats.UploadRate.Store(upRate)
			s.stats.DownloadRate.Store(downRate)
			s.stats.UnchokedPeers.Store(unchoked)
			s.stats.InterestedPeers.Store(interested)
			s.stats.UploadingTo.Store(uploadingTo)
			s.stats.DownloadingFrom.Store(downloadingFrom)
		}
	}
}

func (s *Swarm) chokeLoop(ctx context.Context) {
	l := s.logger.With("source", "leecher choke loop")
	l.Debug("started")

	normalChokeTicker := time.NewTicker(config.Load().RechokeInterval)
	defer normalChokeTicker.Stop()

	optimisticChokeTicker := time.NewTicker(config.Load().OptimisticUnchokeInterval)
	defer optimisticChokeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-normalChokeTicker.C:
			s.recalculateRegularUnchokes()

		case <-optimisticChokeTicker.C:
			s.recalculateOptimisticUnchoke()
		}
	}
}

// recalculateRegularUnchokes ranks peers interested in us by the rate that
// matters for our role (upload rate while seeding, download rate while
// leeching) and unchokes the top UploadSlots (the "preferred" set), plus
// whichever peer currently holds the optimistic slot. It also computes an
// auxiliary unchoke set: peers that aren't interested in us but are still
// exchanging data with us at a competitive rate (or at any rate, when the
// preferred set is empty and sets no threshold) earn an unchoke too,
// rewarding generosity that tit-for-tat alone would otherwise ignore.
func (s *Swarm) recalculateRegularUnchokes() {
	var interested []*Peer
	var auxCandidates []*Peer

	s.peerMut.RLock()
	for _, peer := range s.peers {
		switch {
		case peer.PeerInterested():
			interested = append(interested, peer)
		case !peer.PeerChoking():
			auxCandidates = append(auxCandidates, peer)
		}
	}
	s.peerMut.RUnlock()

	rate := func(p *Peer) uint64 {
		if s.isSeeder || s.store.IsComplete() {
			return p.stats.UploadRate.Load()
		}
		return p.stats.DownloadRate.Load()
	}

	sort.Slice(interested, func(i, j int) bool {
		return rate(interested[i]) > rate(interested[j])
	})

	uploadSlots := config.Load().UploadSlots
	newUnchokes := make(map[netip.AddrPort]struct{})
	for i := 0; i < len(interested) && i < uploadSlots; i++ {
		newUnchokes[interested[i].addr] = struct{}{}
	}

	var threshold uint64
	if n := min(uploadSlots, len(interested)); n > 0 {
		threshold = rate(interested[n-1])
	}
	for _, peer := range auxCandidates {
		if threshold == 0 || rate(peer) > threshold {
			newUnchokes[peer.addr] = struct{}{}
		}
	}

	s.peerMut.RLock()
	defer s.peerMut.RUnlock()

	for _, peer := range s.peers {
		_, isUnchoked := newUnchokes[peer.addr]
		isOptimistic := peer.addr == s.optimisticUnchokedPeerAddr

		if isUnchoked || isOptimistic {
			if peer.AmChoking() {
				peer.SendUnchoke()
			}
		} else if !peer.AmChoking() {
			peer.SendChoke()
		}
	}
}

// recalculateOptimisticUnchoke rotates the single optimistic-unchoke slot
// to a random choked-but-interested peer, giving newly joined or otherwise
// low-rate peers a chance to prove themselves.
func (s *Swarm) recalculateOptimisticUnchoke() {
	var candidates []*Peer

	s.peerMut.RLock()
	for _, peer := range s.peers {
		if peer.PeerInterested() && peer.AmChoking() {
			candidates = append(candidates, peer)
		}
	}
	s.peerMut.RUnlock()

	if len(candidates) == 0 {
		s.optimisticUnchokedPeerAddr = netip.AddrPort{}
		return
	}

	newOptimistic := candidates[rand.Intn(len(candidates))]
	s.optimisticUnchokedPeerAddr = newOptimistic.addr
	newOptimistic.SendUnchoke()
}
