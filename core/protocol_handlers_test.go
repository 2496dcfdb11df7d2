package core

import (
	"bytes"
	"encoding/json"
	"testing"
)

// newTestEngine builds an Engine over fresh in-memory storage and a fake
// PeerManager, mirroring how NewEngine is wired in InitService but without
// a real libp2p transport underneath.
func newTestEngine(pm *fakePeerManager) (*Engine, *FileIndex, *WorkingSet) {
	store := NewInMemoryStore()
	index := NewFileIndex(store)
	ws := NewWorkingSet()
	return NewEngine(testLogger(), pm, index, ws), index, ws
}

// buildSingleFileDescriptor returns a one-part FileDescriptor plus its raw
// part bytes and header digest, for scenarios that drive handleHeader /
// handlePart directly without going through Engine.Ingest.
func buildSingleFileDescriptor(fileDigest Digest256, name string, data []byte) (FileDescriptor, Digest256) {
	partDigest := Sum(data)
	desc := FileDescriptor{
		FileDigest: fileDigest,
		Name:       name,
		TotalSize:  uint64(len(data)),
		Parts:      []PartRef{{Digest: partDigest, Size: uint32(len(data)), Index: 0}},
	}
	return desc, HeadDigestOf(desc)
}

// S1: a single-part file completes end to end once its HEADER and PART
// arrive, transitioning HEADER_PENDING -> PARTS_PENDING -> COMPLETE.
func TestScenarioS1SinglePartFileCompletes(t *testing.T) {
	pm := newFakePeerManager("peerA")
	e, index, ws := newTestEngine(pm)

	fileDigest := Sum([]byte("file-1"))
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	desc, headerDigest := buildSingleFileDescriptor(fileDigest, "f1.bin", data)

	// Seed the file as known-but-pending, as IngestTx would.
	ws.InsertHeader(HeaderEntry{FileDigest: fileDigest, HeaderDigest: headerDigest, State: StateHeaderPending})
	_ = index.PutHeader(HeaderEntry{FileDigest: fileDigest, HeaderDigest: headerDigest, State: StateHeaderPending})

	headerPayload := marshalPayload(headerMsg{FileDigest: fileDigest, Digest: headerDigest, Payload: EncodeFileDescriptor(desc)})
	e.handleHeader("peerA", headerPayload)

	h, ok, err := index.GetHeader(fileDigest)
	if err != nil || !ok {
		t.Fatalf("header lookup after HEADER: ok=%v err=%v", ok, err)
	}
	if h.State != StatePartsPending {
		t.Fatalf("expected parts_pending after HEADER, got %s", h.State)
	}

	partPayload := marshalPayload(partMsg{FileDigest: fileDigest, Index: 0, PartDigest: desc.Parts[0].Digest, Data: data})
	e.handlePart("peerA", partPayload)

	h, ok, err = index.GetHeader(fileDigest)
	if err != nil || !ok {
		t.Fatalf("header lookup after PART: ok=%v err=%v", ok, err)
	}
	if h.State != StateComplete {
		t.Fatalf("expected complete after last part, got %s", h.State)
	}

	p, ok, err := index.GetPart(fileDigest, 0)
	if err != nil || !ok {
		t.Fatalf("part lookup: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(p.Data, data) {
		t.Fatalf("stored part data mismatch: got %x want %x", p.Data, data)
	}
}

// S2: receiving the same HEADER twice leaves the header in parts_pending
// and the stored descriptor with exactly one part entry.
func TestScenarioS2DuplicateHeaderIdempotent(t *testing.T) {
	pm := newFakePeerManager("peerA")
	e, index, _ := newTestEngine(pm)

	fileDigest := Sum([]byte("file-2"))
	data := []byte("duplicate header scenario data")
	desc, headerDigest := buildSingleFileDescriptor(fileDigest, "f2.bin", data)
	headerPayload := marshalPayload(headerMsg{FileDigest: fileDigest, Digest: headerDigest, Payload: EncodeFileDescriptor(desc)})

	e.handleHeader("peerA", headerPayload)
	e.handleHeader("peerA", headerPayload)

	h, ok, err := index.GetHeader(fileDigest)
	if err != nil || !ok {
		t.Fatalf("header lookup: ok=%v err=%v", ok, err)
	}
	if h.State != StatePartsPending {
		t.Fatalf("expected parts_pending after duplicate HEADER, got %s", h.State)
	}

	gotDesc, ok, err := index.GetDescriptor(fileDigest)
	if err != nil || !ok {
		t.Fatalf("descriptor lookup: ok=%v err=%v", ok, err)
	}
	if len(gotDesc.Parts) != 1 {
		t.Fatalf("expected exactly one part entry in descriptor, got %d", len(gotDesc.Parts))
	}
}

// S3: a PART whose payload digest does not match the part digest recorded
// from the verified HEADER is dropped, never persisted, and never
// advances the file's state.
func TestScenarioS3CorruptedPartRejected(t *testing.T) {
	pm := newFakePeerManager("peerA")
	e, index, ws := newTestEngine(pm)

	fileDigest := Sum([]byte("file-3"))
	data := []byte("good bytes")
	desc, headerDigest := buildSingleFileDescriptor(fileDigest, "f3.bin", data)
	ws.InsertHeader(HeaderEntry{FileDigest: fileDigest, HeaderDigest: headerDigest, State: StateHeaderPending})

	headerPayload := marshalPayload(headerMsg{FileDigest: fileDigest, Digest: headerDigest, Payload: EncodeFileDescriptor(desc)})
	e.handleHeader("peerA", headerPayload)

	corrupted := []byte("tampered bytes")
	badPayload := marshalPayload(partMsg{FileDigest: fileDigest, Index: 0, PartDigest: desc.Parts[0].Digest, Data: corrupted})
	e.handlePart("peerA", badPayload)

	if _, ok, _ := index.GetPart(fileDigest, 0); ok {
		t.Fatal("corrupted part should never be persisted")
	}
	h, ok, err := index.GetHeader(fileDigest)
	if err != nil || !ok {
		t.Fatalf("header lookup: ok=%v err=%v", ok, err)
	}
	if h.State == StateComplete {
		t.Fatal("file must not complete off a rejected part")
	}
}

// S4: the working set's per-table cap holds even when many more headers
// than the cap arrive through the protocol handler.
func TestScenarioS4WorkingSetCapEnforcedUnderLoad(t *testing.T) {
	pm := newFakePeerManager("peerA")
	e, _, ws := newTestEngine(pm)

	for i := 0; i < capPerMap+100; i++ {
		fileDigest := Sum([]byte{byte(i), byte(i >> 8), byte(i >> 16)})
		data := []byte{byte(i)}
		desc, headerDigest := buildSingleFileDescriptor(fileDigest, "f", data)
		payload := marshalPayload(headerMsg{FileDigest: fileDigest, Digest: headerDigest, Payload: EncodeFileDescriptor(desc)})
		e.handleHeader("peerA", payload)
	}

	headers, descriptors, _ := ws.Len()
	if headers > capPerMap {
		t.Fatalf("headers exceeded cap: %d > %d", headers, capPerMap)
	}
	if descriptors > capPerMap {
		t.Fatalf("descriptors exceeded cap: %d > %d", descriptors, capPerMap)
	}
}

// S5: after a simulated restart (working set rebuilt from disk via
// LoadCaches, dropping in-flight part-request bookkeeping), the file is
// still parts_pending and a PART delivered to the new Engine completes it.
func TestScenarioS5RestartResumesPartFetch(t *testing.T) {
	pm := newFakePeerManager("peerA")
	e, index, ws := newTestEngine(pm)

	fileDigest := Sum([]byte("file-5"))
	data := []byte("resumed after restart")
	desc, headerDigest := buildSingleFileDescriptor(fileDigest, "f5.bin", data)
	ws.InsertHeader(HeaderEntry{FileDigest: fileDigest, HeaderDigest: headerDigest, State: StateHeaderPending})

	headerPayload := marshalPayload(headerMsg{FileDigest: fileDigest, Digest: headerDigest, Payload: EncodeFileDescriptor(desc)})
	e.handleHeader("peerA", headerPayload)

	// Simulate a restart: rebuild a fresh WorkingSet purely from disk,
	// as FileIndex.LoadCaches does on startup, and bind a fresh Engine
	// to it. The pending part-request bookkeeping from the old in-memory
	// WorkingSet does not survive, but the persisted header/descriptor do.
	freshWS, err := index.LoadCaches()
	if err != nil {
		t.Fatalf("load caches: %v", err)
	}
	e2 := NewEngine(testLogger(), pm, index, freshWS)

	h, ok := freshWS.GetHeader(fileDigest)
	if !ok || h.State != StatePartsPending {
		t.Fatalf("expected reloaded header still parts_pending, got %+v ok=%v", h, ok)
	}

	partPayload := marshalPayload(partMsg{FileDigest: fileDigest, Index: 0, PartDigest: desc.Parts[0].Digest, Data: data})
	e2.handlePart("peerA", partPayload)

	h, ok, err = index.GetHeader(fileDigest)
	if err != nil || !ok || h.State != StateComplete {
		t.Fatalf("expected file complete after resumed part arrives, got %+v ok=%v err=%v", h, ok, err)
	}
}

// S6: a PART arriving for a file this node has never heard a header for
// is dropped: it creates no header and leaves the file's state unknown,
// since there is no recorded part digest to check it against.
func TestScenarioS6UnsolicitedPartNoStateChange(t *testing.T) {
	pm := newFakePeerManager("peerA")
	e, index, _ := newTestEngine(pm)

	fileDigest := Sum([]byte("never-seen"))
	data := []byte("nobody asked for this")
	partPayload := marshalPayload(partMsg{FileDigest: fileDigest, Index: 0, PartDigest: Sum(data), Data: data})
	e.handlePart("peerA", partPayload)

	if _, ok, _ := index.GetHeader(fileDigest); ok {
		t.Fatal("an unsolicited PART must not create a header")
	}
	state, err := e.Status(fileDigest)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if state != StateUnknown {
		t.Fatalf("expected unknown state for a file with no header, got %s", state)
	}
}

func TestHandleGetHeaderRepliesWithStoredDescriptor(t *testing.T) {
	pm := newFakePeerManager("peerA")
	e, index, _ := newTestEngine(pm)

	fileDigest := Sum([]byte("gh"))
	data := []byte("get-header reply scenario")
	desc, _ := buildSingleFileDescriptor(fileDigest, "gh.bin", data)
	if err := index.PutDescriptor(desc); err != nil {
		t.Fatalf("seed descriptor: %v", err)
	}

	e.handleGetHeader("peerA", marshalPayload(getHeaderMsg{FileDigest: fileDigest}))

	sent, ok := pm.lastSent()
	if !ok {
		t.Fatal("expected a HEADER reply to be sent")
	}
	if sent.code != msgHeader {
		t.Fatalf("expected msgHeader code, got %x", sent.code)
	}
}

func TestHandleGetHeaderSilentWhenUnknown(t *testing.T) {
	pm := newFakePeerManager("peerA")
	e, _, _ := newTestEngine(pm)

	e.handleGetHeader("peerA", marshalPayload(getHeaderMsg{FileDigest: Sum([]byte("unknown"))}))
	if pm.sentCount() != 0 {
		t.Fatalf("expected no reply for an unknown file, got %d sends", pm.sentCount())
	}
}

func TestHandleCheckHeaderRepliesWithLocalRevision(t *testing.T) {
	pm := newFakePeerManager("peerA")
	e, _, ws := newTestEngine(pm)

	fileDigest := Sum([]byte("ch"))
	headerDigest := Sum([]byte("ch-header"))
	ws.InsertHeader(HeaderEntry{FileDigest: fileDigest, HeaderDigest: headerDigest, Revision: 5, State: StateComplete})

	e.handleCheckHeader("peerA", marshalPayload(checkHeaderMsg{FileDigest: fileDigest}))

	sent, ok := pm.lastSent()
	if !ok || sent.code != msgHeaderStatus {
		t.Fatalf("expected a HEADER-STATUS reply, got %+v ok=%v", sent, ok)
	}
	var status headerStatusMsg
	if err := json.Unmarshal(sent.payload, &status); err != nil {
		t.Fatalf("decode HEADER-STATUS: %v", err)
	}
	if status.Revision != 5 || status.HeaderDigest != headerDigest {
		t.Fatalf("expected local revision 5 and header digest in reply, got %+v", status)
	}
}

func TestIngestTxInsertsHeaderPendingAndProbes(t *testing.T) {
	pm := newFakePeerManager("peerA", "peerB")
	e, index, ws := newTestEngine(pm)

	fileDigest := Sum([]byte("tx-file"))
	tx := Transaction{StorageRefs: []FileRef{{
		Name: "attachment.bin",
		Parts: []HeadRef{{
			FileDigest:   fileDigest,
			HeaderDigest: Sum([]byte("tx-header")),
			Size:         2048,
			Revision:     1,
		}},
	}}}

	if err := e.IngestTx(tx); err != nil {
		t.Fatalf("IngestTx: %v", err)
	}

	h, ok := ws.GetHeader(fileDigest)
	if !ok {
		t.Fatal("expected header to be inserted into working set")
	}
	if h.State != StateHeaderPending {
		t.Fatalf("expected header_pending, got %s", h.State)
	}
	if h.Name != "attachment.bin" || h.TotalSize != 2048 {
		t.Fatalf("unexpected header fields: %+v", h)
	}

	if _, ok, _ := index.GetHeader(fileDigest); !ok {
		t.Fatal("expected header to be persisted")
	}
	if pm.sentCount() != 2 {
		t.Fatalf("expected one CHECK-HEADER per known peer, got %d sends", pm.sentCount())
	}
}

func TestIngestTxIsIdempotent(t *testing.T) {
	pm := newFakePeerManager("peerA")
	e, _, _ := newTestEngine(pm)

	fileDigest := Sum([]byte("tx-file-2"))
	tx := Transaction{StorageRefs: []FileRef{{Name: "a", Parts: []HeadRef{{FileDigest: fileDigest, Size: 10}}}}}

	if err := e.IngestTx(tx); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	firstCount := pm.sentCount()
	pm.reset()

	if err := e.IngestTx(tx); err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if pm.sentCount() != 0 {
		t.Fatalf("re-ingesting a known file should broadcast nothing new, got %d sends (first pass sent %d)", pm.sentCount(), firstCount)
	}
}

func TestIngestTxSkipsAlreadyCompleteFiles(t *testing.T) {
	pm := newFakePeerManager("peerA")
	e, index, ws := newTestEngine(pm)

	fileDigest := Sum([]byte("already-complete"))
	complete := HeaderEntry{FileDigest: fileDigest, State: StateComplete}
	ws.InsertHeader(complete)
	_ = index.PutHeader(complete)

	tx := Transaction{StorageRefs: []FileRef{{Name: "a", Parts: []HeadRef{{FileDigest: fileDigest, Size: 10}}}}}
	if err := e.IngestTx(tx); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if pm.sentCount() != 0 {
		t.Fatalf("expected no probe for an already-complete file, got %d sends", pm.sentCount())
	}
	h, _ := ws.GetHeader(fileDigest)
	if h.State != StateComplete {
		t.Fatalf("complete file state must not regress, got %s", h.State)
	}
}
