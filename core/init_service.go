package core

// InitService bootstraps a node's file-replication stack in the same two
// steps the platform's original ledger/consensus bootstrapper used: load
// persisted state, then start the background services that depend on
// it. Here that means warming the WorkingSet from the FileIndex before
// the Engine starts dispatching wire messages and the Scheduler starts
// its periodic passes, so neither ever runs against a cache it could
// instead have recovered from disk.

import "github.com/sirupsen/logrus"

// InitService owns the startup/shutdown sequence for one node's
// FileIndex, Engine and Scheduler.
type InitService struct {
	index     *FileIndex
	pm        PeerManager
	logger    *logrus.Logger
	engine    *Engine
	scheduler *Scheduler
}

// NewInitService wires an InitService around an already-constructed
// FileIndex, PeerManager and logger.
func NewInitService(index *FileIndex, pm PeerManager, logger *logrus.Logger) *InitService {
	return &InitService{index: index, pm: pm, logger: logger}
}

// Start loads the on-disk caches, builds the Engine and Scheduler around
// the warmed WorkingSet, and starts both. It returns the Engine so
// callers (the CLI's control socket, Ingest requests) can act on it
// directly.
func (s *InitService) Start() (*Engine, error) {
	ws, err := s.index.LoadCaches()
	if err != nil {
		return nil, err
	}
	headers, descriptors, parts := ws.Len()
	s.logger.WithFields(logrus.Fields{
		"headers": headers, "descriptors": descriptors, "parts": parts,
	}).Info("warmed working set from disk")

	s.engine = NewEngine(s.logger, s.pm, s.index, ws)
	s.engine.Start()

	s.scheduler = NewScheduler(s.engine, s.logger)
	s.scheduler.Start()

	return s.engine, nil
}

// Shutdown stops the scheduler and engine in the reverse order Start
// brought them up, so no scheduler pass can fire against an engine that
// has already unsubscribed.
func (s *InitService) Shutdown() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.engine != nil {
		s.engine.Stop()
	}
}

// Engine returns the running Engine, or nil before Start has been called.
func (s *InitService) Engine() *Engine { return s.engine }
