// Package torrent wires the metainfo, tracker, piece store and peer swarm
// together into a single running download/seed session.
package torrent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"

	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/meta"
	"github.com/prxssh/rabbit/internal/peer"
	"github.com/prxssh/rabbit/internal/piece"
	"github.com/prxssh/rabbit/internal/tracker"
	"golang.org/x/sync/errgroup"
)

// Torrent is a single running swarm session: one metainfo, one piece
// store, one tracker client, one peer swarm.
type Torrent struct {
	Metainfo *meta.Metainfo

	logger  *slog.Logger
	tracker *tracker.Tracker
	swarm   *peer.Swarm
	store   *piece.Store
	cancel  context.CancelFunc
}

// Opts configures a new Torrent session.
type Opts struct {
	// Out receives assembled payload bytes in piece order as they
	// complete. Typically os.Stdout; ignored entirely in seed-only mode
	// since nothing is ever freshly assembled.
	Out io.Writer

	// Seed marks every piece complete from the start instead of
	// downloading: Source must then provide the already-complete
	// payload.
	Seed bool

	// Source, when Seed is true, is read once at startup to verify and
	// load every piece into the store so it can be served to peers.
	Source io.ReaderAt

	Logger *slog.Logger
}

// NewTorrent parses data as a metainfo file and builds the store, tracker
// and swarm needed to run it. Nothing runs until Run is called.
func NewTorrent(data []byte, opts *Opts) (*Torrent, error) {
	metainfo, err := meta.ParseMetainfo(data)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger.With("torrent", metainfo.Info.Name)

	out := opts.Out
	if opts.Seed {
		out = nil
	}

	store, err := piece.NewStore(
		metainfo.Info.Pieces,
		metainfo.Info.PieceLength,
		metainfo.Size(),
		out,
		nil,
		logger,
	)
	if err != nil {
		return nil, err
	}

	if opts.Seed {
		if opts.Source == nil {
			return nil, fmt.Errorf("torrent: seed mode requires a source reader")
		}
		if err := store.SeedFromReader(opts.Source); err != nil {
			return nil, err
		}
	}

	selector := piece.SelectorFor(config.Load().PieceSelectionStrategy)

	swarm := peer.NewSwarm(&peer.SwarmOpts{
		Logger:   logger,
		InfoHash: metainfo.InfoHash,
		Store:    store,
		Selector: selector,
		IsSeeder: opts.Seed,
	})

	t := &Torrent{
		Metainfo: metainfo,
		logger:   logger,
		store:    store,
		swarm:    swarm,
	}

	trk, err := tracker.NewTracker(
		metainfo.Announce,
		metainfo.AnnounceList,
		&tracker.TrackerOpts{
			Log:               logger,
			OnAnnounceStart:   t.buildAnnounceParams,
			OnAnnounceSuccess: swarm.AdmitPeers,
		},
	)
	if err != nil {
		return nil, err
	}
	t.tracker = trk

	return t, nil
}

// Run blocks until ctx is cancelled or either the tracker loop or the
// swarm exits with an error.
func (t *Torrent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.swarm.Run(gctx) })
	g.Go(func() error { return t.tracker.Run(gctx) })

	return g.Wait()
}

func (t *Torrent) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// IsComplete reports whether every piece has been verified, whether from
// a completed download or an up-front seed load.
func (t *Torrent) IsComplete() bool { return t.store.IsComplete() }

// Stats is a snapshot of swarm and tracker activity for this session.
type Stats struct {
	peer.SwarmMetrics
	tracker.TrackerMetrics
	Progress float64            `json:"progress"`
	Peers    []peer.PeerMetrics `json:"peers"`
}

func (t *Torrent) GetStats() *Stats {
	swarmStats := t.swarm.Stats()
	trackerStats := t.tracker.Stats()

	total := t.Metainfo.Size()
	left := t.store.Left()

	s := &Stats{Peers: t.swarm.PeerMetrics()}
	s.SwarmMetrics = swarmStats
	s.TrackerMetrics = trackerStats
	if total > 0 {
		s.Progress = (float64(total-left) / float64(total)) * 100.0
	}
	return s
}

func (t *Torrent) GetPeerMessageHistory(addr netip.AddrPort, limit int) ([]*peer.Event, error) {
	p, ok := t.swarm.GetPeer(addr)
	if !ok {
		return nil, fmt.Errorf("torrent: peer not connected: %s", addr)
	}
	return p.History(limit)
}

func (t *Torrent) buildAnnounceParams() *tracker.AnnounceParams {
	stats := t.swarm.Stats()
	left := uint64(t.store.Left())

	event := tracker.EventNone
	switch {
	case left == 0:
		event = tracker.EventCompleted
	case stats.TotalDownloaded == 0:
		event = tracker.EventStarted
	}

	return &tracker.AnnounceParams{
		Event:      event,
		InfoHash:   t.Metainfo.InfoHash,
		PeerID:     config.Load().ClientID,
		Uploaded:   stats.TotalUploaded,
		Downloaded: stats.TotalDownloaded,
		Left:       left,
		Port:       config.Load().Port,
		NumWant:    config.Load().NumWant,
	}
}
