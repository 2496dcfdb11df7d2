package core

// Engine is the protocol handler (§4.D): it owns a WorkingSet and a
// FileIndex, dispatches the six wire message kinds, drives the per-file
// state machine, and exposes the operations (Ingest, Purge, Status) the
// CLI and scheduler call into. It mirrors the shape of this node's
// block-replication engine — a logger, a PeerManager, a closing channel
// and a WaitGroup-guarded read loop — generalised from blocks to files.

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrMalformedMessage names the case of a wire message that fails to
	// decode. The inbound handlers do not return it: they log such a
	// message and drop it.
	ErrMalformedMessage = errors.New("filenet: malformed message")
	// ErrDigestMismatch names the case of a HEADER or PART payload whose
	// computed digest does not match the expected digest. The handlers
	// log and drop such a message rather than return this error.
	ErrDigestMismatch = errors.New("filenet: digest mismatch")
	// ErrUnknownPart names the case of a GET-PART request for an index
	// this node has no part for. handleGetPart sends no reply in that
	// case and does not return this error.
	ErrUnknownPart = errors.New("filenet: unknown part index")
)

// Engine is the per-node protocol handler and state-machine driver.
type Engine struct {
	logger *logrus.Logger
	pm     PeerManager
	index  *FileIndex
	ws     *WorkingSet

	closing chan struct{}
	wg      sync.WaitGroup
}

// NewEngine wires the protocol handler together. ws should normally come
// from FileIndex.LoadCaches so startup resumes in-flight files.
func NewEngine(logger *logrus.Logger, pm PeerManager, index *FileIndex, ws *WorkingSet) *Engine {
	if ws == nil {
		ws = NewWorkingSet()
	}
	return &Engine{
		logger:  logger,
		pm:      pm,
		index:   index,
		ws:      ws,
		closing: make(chan struct{}),
	}
}

// Start subscribes to the replication topic and begins dispatching
// inbound messages.
func (e *Engine) Start() {
	sub := e.pm.Subscribe(replicationTopic)
	e.wg.Add(1)
	go e.readLoop(sub)
}

// Stop unsubscribes and waits for in-flight handlers to return.
func (e *Engine) Stop() {
	close(e.closing)
	e.pm.Unsubscribe(replicationTopic)
	e.wg.Wait()
}

func (e *Engine) readLoop(sub <-chan InboundMsg) {
	defer e.wg.Done()
	for {
		select {
		case <-e.closing:
			return
		case m, ok := <-sub:
			if !ok {
				return
			}
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.handleMsg(m)
			}()
		}
	}
}

func (e *Engine) handleMsg(m InboundMsg) {
	switch m.Code {
	case msgCheckHeader:
		e.handleCheckHeader(m.PeerID, m.Payload)
	case msgHeaderStatus:
		e.handleHeaderStatus(m.PeerID, m.Payload)
	case msgGetHeader:
		e.handleGetHeader(m.PeerID, m.Payload)
	case msgHeader:
		e.handleHeader(m.PeerID, m.Payload)
	case msgGetPart:
		e.handleGetPart(m.PeerID, m.Payload)
	case msgPart:
		e.handlePart(m.PeerID, m.Payload)
	default:
		e.logger.WithFields(logrus.Fields{"code": m.Code, "peer": m.PeerID}).Warn("unknown message code")
	}
}

// IngestTx is the §6 transaction-ingest entry point: for every FileRef a
// parsed transaction carries, every nested HeadRef whose Headers row is
// absent is inserted with State=StateHeaderPending (the spec's
// complete=false) and the file's discovery is kicked off with an
// immediate CHECK-HEADER broadcast, rather than waiting for the
// scheduler's next 60s probe pass. A HeadRef already known (in any
// state, including StateComplete) is left untouched. IngestTx is
// idempotent — feeding the same transaction twice inserts nothing new
// and broadcasts nothing new the second time (§8 property 5).
func (e *Engine) IngestTx(tx Transaction) error {
	for _, ref := range tx.StorageRefs {
		for _, hr := range ref.Parts {
			if _, ok := e.ws.GetHeader(hr.FileDigest); ok {
				continue
			}
			if _, ok, err := e.index.GetHeader(hr.FileDigest); err != nil {
				return fmt.Errorf("ingest: lookup %s: %w", hr.FileDigest.Short(), err)
			} else if ok {
				continue
			}

			header := HeaderEntry{
				FileDigest:   hr.FileDigest,
				HeaderDigest: hr.HeaderDigest,
				Revision:     hr.Revision,
				Name:         ref.Name,
				TotalSize:    hr.Size,
				State:        StateHeaderPending,
				UpdatedAt:    nowUnix(),
			}
			if err := e.index.PutHeader(header); err != nil {
				return fmt.Errorf("ingest: persist header %s: %w", hr.FileDigest.Short(), err)
			}
			e.ws.InsertHeader(header)

			e.logger.WithFields(logrus.Fields{
				"file_digest": hr.FileDigest.Short(), "name": ref.Name,
			}).Info("header-ingested")

			e.broadcastCheckHeader(header)
		}
	}
	return nil
}

// broadcastCheckHeader fans a CHECK-HEADER probe out to every peer this
// node currently knows about — the ingest path's one-shot discovery
// kick, distinct from the scheduler's periodic probe pass (scheduler.go)
// which re-probes on a 60s cadence thereafter.
func (e *Engine) broadcastCheckHeader(h HeaderEntry) {
	if e.pm == nil {
		return
	}
	req := marshalPayload(checkHeaderMsg{FileDigest: h.FileDigest, KnownRevision: h.Revision})
	e.pm.ForEachPeer(func(p PeerInfo) bool {
		if err := e.pm.SendAsync(string(p.ID), replicationTopic, msgCheckHeader, req); err != nil {
			e.logger.WithError(err).Warn("ingest check-header send failed")
		}
		return true
	})
	e.ws.SetHeaderProbe(PendingHeaderProbe{FileDigest: h.FileDigest, RequestedAt: nowUnix()})
}

// Ingest registers a locally-supplied file: it splits data into parts of
// at most partSize bytes, builds the FileDescriptor, persists header +
// descriptor + parts, and marks the file StateComplete — mirroring the
// original transaction-storage ingest path, which never needs to fetch
// its own data over the wire. Ingest is idempotent: re-ingesting the same
// bytes under the same name recomputes the identical file digest and
// simply overwrites the same rows (§8's replay-safety property).
func (e *Engine) Ingest(name string, data []byte, partSize int) (Digest256, error) {
	if partSize <= 0 {
		partSize = 1 << 20
	}
	var parts []PartRef
	var entries []PartEntry
	for i := 0; i*partSize < len(data) || (len(data) == 0 && i == 0); i++ {
		start := i * partSize
		end := start + partSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[start:end]
		digest := Sum(chunk)
		parts = append(parts, PartRef{Digest: digest, Size: uint32(len(chunk)), Index: uint32(i)})
		entries = append(entries, PartEntry{Index: uint32(i), Digest: digest, Data: chunk})
		if end == len(data) {
			break
		}
	}

	// The file digest identifies content, not descriptor shape (§3): it is
	// computed over the raw bytes alone, independent of Name, so identical
	// content ingested under two different names dedupes to the same
	// FileDigest instead of being stored as two unrelated files.
	fileDigest := Sum(data)
	desc := FileDescriptor{FileDigest: fileDigest, Name: name, TotalSize: uint64(len(data)), Parts: parts}
	for i := range entries {
		entries[i].FileDigest = fileDigest
	}
	headerDigest := HeadDigestOf(desc)

	header := HeaderEntry{
		FileDigest:   fileDigest,
		HeaderDigest: headerDigest,
		Revision:     1,
		Name:         name,
		TotalSize:    desc.TotalSize,
		PartCount:    uint32(len(parts)),
		PartDigests:  partDigests(parts),
		State:        StateComplete,
		UpdatedAt:    nowUnix(),
	}

	if err := e.index.PutDescriptor(desc); err != nil {
		return fileDigest, fmt.Errorf("persist descriptor: %w", err)
	}
	for _, pe := range entries {
		// A part already stored with the same digest is left as it is, so
		// re-ingesting the same bytes does not add to the SizeCounter again.
		if existing, ok, err := e.index.GetPart(fileDigest, pe.Index); err == nil && ok && existing.Digest == pe.Digest {
			continue
		}
		if err := e.index.PutPart(pe); err != nil {
			return fileDigest, fmt.Errorf("persist part %d: %w", pe.Index, err)
		}
	}
	if err := e.index.PutHeader(header); err != nil {
		return fileDigest, fmt.Errorf("persist header: %w", err)
	}

	e.ws.InsertHeader(header)
	e.ws.InsertDescriptor(desc)
	for _, pe := range entries {
		e.ws.InsertPart(pe)
	}

	e.logger.WithFields(logrus.Fields{
		"file_digest": fileDigest.Short(),
		"parts":       len(parts),
		"bytes":       len(data),
	}).Info("file ingested")
	return fileDigest, nil
}

// Purge removes a file from both the persistent index and the working
// set. See FileIndex.Purge for why this is CLI-only.
func (e *Engine) Purge(fileDigest Digest256) error {
	h, ok, err := e.index.GetHeader(fileDigest)
	if err != nil {
		return err
	}
	if err := e.index.Purge(fileDigest); err != nil {
		return err
	}
	e.ws.RemoveHeader(fileDigest)
	e.ws.RemoveDescriptor(fileDigest)
	e.ws.ClearHeaderProbe(fileDigest)
	if ok {
		e.ws.RemovePartsForFile(fileDigest, h.PartCount)
		for i := uint32(0); i < h.PartCount; i++ {
			e.ws.ClearPartRequest(fileDigest, i)
		}
	}
	return nil
}

// Status reports a file's known state, preferring the in-memory mirror
// and falling back to disk.
func (e *Engine) Status(fileDigest Digest256) (FileState, error) {
	if h, ok := e.ws.GetHeader(fileDigest); ok {
		return h.State, nil
	}
	h, ok, err := e.index.GetHeader(fileDigest)
	if err != nil {
		return StateUnknown, err
	}
	if !ok {
		return StateUnknown, nil
	}
	return h.State, nil
}

// ProbeNow forces an immediate CHECK-HEADER broadcast for a file already
// known to this node (in any state), bypassing the scheduler's 60s
// cadence — the operator-triggered counterpart to the header-probe
// pass, used by the CLI's `probe` command.
func (e *Engine) ProbeNow(fileDigest Digest256) error {
	h, ok := e.ws.GetHeader(fileDigest)
	if !ok {
		var err error
		h, ok, err = e.index.GetHeader(fileDigest)
		if err != nil {
			return err
		}
	}
	if !ok {
		return fmt.Errorf("filenet: unknown file digest %s", fileDigest.Short())
	}
	e.broadcastCheckHeader(h)
	return nil
}

func partDigests(parts []PartRef) []Digest256 {
	out := make([]Digest256, len(parts))
	for i, p := range parts {
		out[i] = p.Digest
	}
	return out
}

func nowUnix() int64 { return time.Now().Unix() }
