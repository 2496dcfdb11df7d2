package core

// Scheduler drives the three periodic passes (§4.E) off a single 1-second
// ticker, the same ticker-plus-select shape connection_pool.go's reaper
// goroutine uses for its own idle-connection sweep. Sharing one ticker
// instead of running three independent ones keeps each pass's mutex
// acquisition on the engine's WorkingSet coarse and sequential, closer to
// the original single-threaded scheduler loop than three free-running
// goroutines would be.

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	tickInterval     = time.Second
	headerProbeEvery = 60 * time.Second
	partFetchEvery   = 30 * time.Second
	reconcileEvery   = 60 * time.Second

	partSendThrottle = 100 * time.Millisecond
)

// Scheduler owns the background passes that keep an Engine's WorkingSet
// converging toward COMPLETE for every known file.
type Scheduler struct {
	engine *Engine
	logger *logrus.Logger

	nextHeaderProbe time.Time
	nextPartFetch   time.Time
	nextReconcile   time.Time

	ticker  *time.Ticker
	closing chan struct{}
	done    chan struct{}
}

// NewScheduler builds a Scheduler bound to engine. Call Start to begin
// ticking.
func NewScheduler(engine *Engine, logger *logrus.Logger) *Scheduler {
	now := time.Now()
	return &Scheduler{
		engine:          engine,
		logger:          logger,
		nextHeaderProbe: now.Add(headerProbeEvery),
		nextPartFetch:   now.Add(partFetchEvery),
		nextReconcile:   now.Add(reconcileEvery),
		closing:         make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Start launches the scheduler's tick loop in its own goroutine.
func (s *Scheduler) Start() {
	s.ticker = time.NewTicker(tickInterval)
	go s.run()
}

// Stop halts the tick loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	close(s.closing)
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)
	defer s.ticker.Stop()
	for {
		select {
		case <-s.closing:
			return
		case now := <-s.ticker.C:
			s.tick(now)
		}
	}
}

func (s *Scheduler) tick(now time.Time) {
	if !now.Before(s.nextHeaderProbe) {
		s.headerProbePass()
		s.nextHeaderProbe = now.Add(headerProbeEvery)
	}
	if !now.Before(s.nextPartFetch) {
		s.partFetchPass()
		s.nextPartFetch = now.Add(partFetchEvery)
	}
	if !now.Before(s.nextReconcile) {
		s.reconcilePass()
		s.nextReconcile = now.Add(reconcileEvery)
	}
}

// allPeerIDs collects every peer the transport currently knows about, for
// the periodic passes' §4.E "broadcast to all peers" requirement — unlike
// the ingest-path and inbound-reply sends, which are necessarily
// peer-directed, the scheduler has no single peer to target and must
// reach the whole known set for its stated convergence guarantee (§8
// property 7) to hold regardless of how many peers this node has.
func allPeerIDs(pm PeerManager) []string {
	var ids []string
	pm.ForEachPeer(func(p PeerInfo) bool {
		ids = append(ids, string(p.ID))
		return true
	})
	return ids
}

// headerProbePass broadcasts CHECK-HEADER for every incomplete file to
// every known peer, skipping files with a header probe already in flight
// and not yet stale.
func (s *Scheduler) headerProbePass() {
	peers := allPeerIDs(s.engine.pm)
	if len(peers) == 0 {
		return
	}
	for _, digest := range s.engine.ws.IncompleteFiles() {
		if p, ok := s.engine.ws.HeaderProbe(digest); ok {
			if time.Since(time.Unix(p.RequestedAt, 0)) < headerProbeEvery {
				continue
			}
		}
		header, _ := s.engine.ws.GetHeader(digest)
		req := checkHeaderMsg{FileDigest: digest, KnownRevision: header.Revision}
		payload := marshalPayload(req)
		var g errgroup.Group
		for _, peerID := range peers {
			peerID := peerID
			g.Go(func() error {
				return s.engine.pm.SendAsync(peerID, replicationTopic, msgCheckHeader, payload)
			})
		}
		if err := g.Wait(); err != nil {
			s.logger.WithError(err).Warn("header-probe send failed")
		}
		s.engine.ws.SetHeaderProbe(PendingHeaderProbe{FileDigest: digest, RequestedAt: time.Now().Unix()})
	}
}

// partFetchPass re-requests parts still missing for PARTS_PENDING files,
// broadcasting GET-PART to every known peer and throttling successive
// sends by partSendThrottle so a node with many incomplete files doesn't
// burst the network.
func (s *Scheduler) partFetchPass() {
	peers := allPeerIDs(s.engine.pm)
	if len(peers) == 0 {
		return
	}
	for _, digest := range s.engine.ws.IncompleteFiles() {
		header, ok := s.engine.ws.GetHeader(digest)
		if !ok || header.State != StatePartsPending {
			continue
		}
		for i := uint32(0); i < header.PartCount; i++ {
			if s.engine.ws.HasPart(digest, i) {
				continue
			}
			if req, ok := s.engine.ws.PartRequest(digest, i); ok {
				if time.Since(time.Unix(req.RequestedAt, 0)) < partFetchEvery {
					continue
				}
			}
			if i >= uint32(len(header.PartDigests)) {
				continue
			}
			payload := marshalPayload(getPartMsg{FileDigest: digest, Index: i, PartDigest: header.PartDigests[i]})
			var g errgroup.Group
			for _, peerID := range peers {
				peerID := peerID
				g.Go(func() error {
					return s.engine.pm.SendAsync(peerID, replicationTopic, msgGetPart, payload)
				})
			}
			if err := g.Wait(); err != nil {
				s.logger.WithError(err).Warn("part-fetch send failed")
			}
			s.engine.ws.SetPartRequest(PendingPartRequest{FileDigest: digest, Index: i, RequestedAt: time.Now().Unix()})
			time.Sleep(partSendThrottle)
		}
	}
}

// reconcilePass reloads the incomplete files from disk into the in-memory
// working set (picking up anything the capacity cap kept out or that
// changed out-of-band), and drops completed files from the in-memory
// mirror now that the scheduler has nothing left to chase for them. For a
// file still in memory that no longer appears among the reloaded
// incomplete files, only its pending header probe is cleared; its header
// and pending part requests stay in the working set.
func (s *Scheduler) reconcilePass() {
	fresh, err := s.engine.index.LoadCaches()
	if err != nil {
		s.logger.WithError(err).Warn("reconcile: cache reload failed")
		return
	}

	known := make(map[Digest256]struct{})
	for _, digest := range fresh.IncompleteFiles() {
		known[digest] = struct{}{}
		header, _ := fresh.GetHeader(digest)
		s.engine.ws.InsertHeader(header)
		if desc, ok := fresh.GetDescriptor(digest); ok {
			s.engine.ws.InsertDescriptor(desc)
		}
	}

	for _, digest := range s.engine.ws.AllFileDigests() {
		if header, ok := s.engine.ws.GetHeader(digest); ok && header.State == StateComplete {
			s.engine.ws.RemoveHeader(digest)
			s.engine.ws.RemoveDescriptor(digest)
			s.engine.ws.RemovePartsForFile(digest, header.PartCount)
			continue
		}
		if _, stillKnown := known[digest]; !stillKnown {
			s.engine.ws.ClearHeaderProbe(digest)
		}
	}
}
