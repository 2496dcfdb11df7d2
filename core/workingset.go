package core

import "sync"

// capPerMap is the per-table cap on the in-memory working set (§4.C):
// once a table holds this many entries, further inserts are persisted to
// disk (by the caller, via FileIndex) but dropped from memory rather than
// evicting an existing entry — the disk index remains authoritative.
const capPerMap = 500

// WorkingSet is the bounded in-memory mirror of the subset of on-disk
// state the scheduler and protocol handler are actively working through:
// incomplete headers, their descriptors, received parts, and the two
// pending-request tables that stop the scheduler from re-requesting
// something already in flight. One mutex guards all five maps; it is
// never held across a network send (see engine.go / scheduler.go).
type WorkingSet struct {
	mu sync.Mutex

	Headers     map[Digest256]HeaderEntry
	Descriptors map[Digest256]FileDescriptor
	Parts       map[string]PartEntry // key: partMapKey(fileDigest, index)

	PendingHeaderProbe map[Digest256]PendingHeaderProbe
	PendingPartRequest map[string]PendingPartRequest
}

// NewWorkingSet returns an empty WorkingSet.
func NewWorkingSet() *WorkingSet {
	return &WorkingSet{
		Headers:            make(map[Digest256]HeaderEntry),
		Descriptors:        make(map[Digest256]FileDescriptor),
		Parts:              make(map[string]PartEntry),
		PendingHeaderProbe: make(map[Digest256]PendingHeaderProbe),
		PendingPartRequest: make(map[string]PendingPartRequest),
	}
}

func partMapKey(fileDigest Digest256, index uint32) string {
	var buf [32 + 4]byte
	copy(buf[:32], fileDigest[:])
	buf[32] = byte(index >> 24)
	buf[33] = byte(index >> 16)
	buf[34] = byte(index >> 8)
	buf[35] = byte(index)
	return string(buf[:])
}

// InsertHeader mirrors h into memory if the Headers table has room.
// Returns true if the entry is now memory-resident. Callers persist to
// FileIndex regardless of the return value — the disk write is never
// skipped because of the cache cap.
func (ws *WorkingSet) InsertHeader(h HeaderEntry) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if _, exists := ws.Headers[h.FileDigest]; !exists && len(ws.Headers) >= capPerMap {
		return false
	}
	ws.Headers[h.FileDigest] = h
	return true
}

func (ws *WorkingSet) RemoveHeader(fileDigest Digest256) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	delete(ws.Headers, fileDigest)
}

func (ws *WorkingSet) GetHeader(fileDigest Digest256) (HeaderEntry, bool) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	h, ok := ws.Headers[fileDigest]
	return h, ok
}

// InsertDescriptor mirrors d into memory if the Descriptors table has room.
func (ws *WorkingSet) InsertDescriptor(d FileDescriptor) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if _, exists := ws.Descriptors[d.FileDigest]; !exists && len(ws.Descriptors) >= capPerMap {
		return false
	}
	ws.Descriptors[d.FileDigest] = d
	return true
}

func (ws *WorkingSet) RemoveDescriptor(fileDigest Digest256) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	delete(ws.Descriptors, fileDigest)
}

func (ws *WorkingSet) GetDescriptor(fileDigest Digest256) (FileDescriptor, bool) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	d, ok := ws.Descriptors[fileDigest]
	return d, ok
}

// InsertPart mirrors p into memory if the Parts table has room.
func (ws *WorkingSet) InsertPart(p PartEntry) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	key := partMapKey(p.FileDigest, p.Index)
	if _, exists := ws.Parts[key]; !exists && len(ws.Parts) >= capPerMap {
		return false
	}
	ws.Parts[key] = p
	return true
}

func (ws *WorkingSet) RemovePartsForFile(fileDigest Digest256, count uint32) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for i := uint32(0); i < count; i++ {
		delete(ws.Parts, partMapKey(fileDigest, i))
	}
}

func (ws *WorkingSet) HasPart(fileDigest Digest256, index uint32) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	_, ok := ws.Parts[partMapKey(fileDigest, index)]
	return ok
}

func (ws *WorkingSet) GetPart(fileDigest Digest256, index uint32) (PartEntry, bool) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	p, ok := ws.Parts[partMapKey(fileDigest, index)]
	return p, ok
}

// SetHeaderProbe records an in-flight header probe for p.FileDigest,
// replacing any earlier one; ClearHeaderProbe removes it.
func (ws *WorkingSet) SetHeaderProbe(p PendingHeaderProbe) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.PendingHeaderProbe[p.FileDigest] = p
}

func (ws *WorkingSet) ClearHeaderProbe(fileDigest Digest256) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	delete(ws.PendingHeaderProbe, fileDigest)
}

func (ws *WorkingSet) HeaderProbe(fileDigest Digest256) (PendingHeaderProbe, bool) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	p, ok := ws.PendingHeaderProbe[fileDigest]
	return p, ok
}

// SetPartRequest records an in-flight GET-PART request.
func (ws *WorkingSet) SetPartRequest(p PendingPartRequest) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.PendingPartRequest[partMapKey(p.FileDigest, p.Index)] = p
}

func (ws *WorkingSet) ClearPartRequest(fileDigest Digest256, index uint32) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	delete(ws.PendingPartRequest, partMapKey(fileDigest, index))
}

func (ws *WorkingSet) PartRequest(fileDigest Digest256, index uint32) (PendingPartRequest, bool) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	p, ok := ws.PendingPartRequest[partMapKey(fileDigest, index)]
	return p, ok
}

// IncompleteFiles returns the file digests currently tracked in memory
// that have not reached StateComplete, for the scheduler's probe and
// fetch passes. The returned slice is a snapshot; callers must not assume
// it stays in sync with concurrent inserts.
func (ws *WorkingSet) IncompleteFiles() []Digest256 {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]Digest256, 0, len(ws.Headers))
	for digest, h := range ws.Headers {
		if h.State != StateComplete {
			out = append(out, digest)
		}
	}
	return out
}

// AllFileDigests returns every file digest currently tracked in memory
// regardless of state, used by the reconcile pass to find files that
// have reached StateComplete and can be dropped from the mirror.
func (ws *WorkingSet) AllFileDigests() []Digest256 {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]Digest256, 0, len(ws.Headers))
	for digest := range ws.Headers {
		out = append(out, digest)
	}
	return out
}

// Len reports the current size of each mirrored table, for status
// reporting and tests asserting the cap is enforced.
func (ws *WorkingSet) Len() (headers, descriptors, parts int) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.Headers), len(ws.Descriptors), len(ws.Parts)
}
