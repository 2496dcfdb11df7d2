package core

import (
	"encoding/json"
	"testing"
)

func TestHeaderProbePassSendsCheckHeaderForIncompleteFiles(t *testing.T) {
	pm := newFakePeerManager("peerA", "peerB")
	e, index, ws := newTestEngine(pm)
	s := NewScheduler(e, testLogger())

	fileDigest := Sum([]byte("incomplete"))
	h := HeaderEntry{FileDigest: fileDigest, State: StateHeaderPending}
	ws.InsertHeader(h)
	_ = index.PutHeader(h)

	s.headerProbePass()

	if pm.sentCount() == 0 {
		t.Fatal("expected at least one CHECK-HEADER send for an incomplete file")
	}
	sent, _ := pm.lastSent()
	if sent.code != msgCheckHeader {
		t.Fatalf("expected msgCheckHeader, got %x", sent.code)
	}
	if _, ok := ws.HeaderProbe(fileDigest); !ok {
		t.Fatal("expected a pending header probe to be recorded")
	}
}

func TestHeaderProbePassSkipsFreshlyProbedFile(t *testing.T) {
	pm := newFakePeerManager("peerA")
	e, _, ws := newTestEngine(pm)
	s := NewScheduler(e, testLogger())

	fileDigest := Sum([]byte("already-probed"))
	ws.InsertHeader(HeaderEntry{FileDigest: fileDigest, State: StateHeaderPending})
	ws.SetHeaderProbe(PendingHeaderProbe{FileDigest: fileDigest, RequestedAt: nowUnix()})

	s.headerProbePass()

	if pm.sentCount() != 0 {
		t.Fatalf("expected no re-probe while a probe is still fresh, got %d sends", pm.sentCount())
	}
}

func TestHeaderProbePassNoopWithoutPeers(t *testing.T) {
	pm := newFakePeerManager()
	e, _, ws := newTestEngine(pm)
	s := NewScheduler(e, testLogger())

	ws.InsertHeader(HeaderEntry{FileDigest: Sum([]byte("f")), State: StateHeaderPending})
	s.headerProbePass()

	if pm.sentCount() != 0 {
		t.Fatalf("expected no sends with zero known peers, got %d", pm.sentCount())
	}
}

func TestPartFetchPassRequestsMissingParts(t *testing.T) {
	pm := newFakePeerManager("peerA")
	e, index, ws := newTestEngine(pm)
	s := NewScheduler(e, testLogger())

	fileDigest := Sum([]byte("needs-parts"))
	h := HeaderEntry{
		FileDigest:  fileDigest,
		State:       StatePartsPending,
		PartCount:   2,
		PartDigests: []Digest256{Sum([]byte("p0")), Sum([]byte("p1"))},
	}
	ws.InsertHeader(h)
	_ = index.PutHeader(h)

	s.partFetchPass()

	if pm.sentCount() != 2 {
		t.Fatalf("expected one GET-PART per missing part, got %d", pm.sentCount())
	}
	for i := uint32(0); i < 2; i++ {
		if _, ok := ws.PartRequest(fileDigest, i); !ok {
			t.Fatalf("expected a pending part request recorded for index %d", i)
		}
	}
}

func TestPartFetchPassSkipsPartsAlreadyHeld(t *testing.T) {
	pm := newFakePeerManager("peerA")
	e, _, ws := newTestEngine(pm)
	s := NewScheduler(e, testLogger())

	fileDigest := Sum([]byte("one-missing"))
	ws.InsertHeader(HeaderEntry{
		FileDigest:  fileDigest,
		State:       StatePartsPending,
		PartCount:   2,
		PartDigests: []Digest256{Sum([]byte("p0")), Sum([]byte("p1"))},
	})
	ws.InsertPart(PartEntry{FileDigest: fileDigest, Index: 0, Digest: Sum([]byte("p0")), Data: []byte("p0")})

	s.partFetchPass()

	if pm.sentCount() != 1 {
		t.Fatalf("expected exactly one GET-PART for the still-missing part, got %d", pm.sentCount())
	}
	sent, _ := pm.lastSent()
	var req getPartMsg
	if err := json.Unmarshal(sent.payload, &req); err != nil {
		t.Fatalf("decode sent payload: %v", err)
	}
	if req.Index != 1 {
		t.Fatalf("expected GET-PART for index 1, got %d", req.Index)
	}
}

func TestPartFetchPassIgnoresHeaderPendingFiles(t *testing.T) {
	pm := newFakePeerManager("peerA")
	e, _, ws := newTestEngine(pm)
	s := NewScheduler(e, testLogger())

	ws.InsertHeader(HeaderEntry{FileDigest: Sum([]byte("f")), State: StateHeaderPending, PartCount: 3})
	s.partFetchPass()

	if pm.sentCount() != 0 {
		t.Fatalf("a file still waiting on its header should not have parts fetched, got %d sends", pm.sentCount())
	}
}

func TestReconcilePassDropsCompletedFilesFromWorkingSet(t *testing.T) {
	pm := newFakePeerManager("peerA")
	e, index, ws := newTestEngine(pm)
	s := NewScheduler(e, testLogger())

	fileDigest := Sum([]byte("finished"))
	h := HeaderEntry{FileDigest: fileDigest, State: StateComplete, PartCount: 1}
	ws.InsertHeader(h)
	ws.InsertPart(PartEntry{FileDigest: fileDigest, Index: 0, Digest: Sum([]byte("p")), Data: []byte("p")})
	_ = index.PutHeader(h)

	s.reconcilePass()

	if _, ok := ws.GetHeader(fileDigest); ok {
		t.Fatal("completed file's header should be dropped from the working set by reconcile")
	}
	if ws.HasPart(fileDigest, 0) {
		t.Fatal("completed file's parts should be dropped from the working set by reconcile")
	}
}

func TestReconcilePassReloadsFromDisk(t *testing.T) {
	pm := newFakePeerManager("peerA")
	e, index, ws := newTestEngine(pm)
	s := NewScheduler(e, testLogger())

	fileDigest := Sum([]byte("on-disk-only"))
	h := HeaderEntry{FileDigest: fileDigest, State: StatePartsPending}
	_ = index.PutHeader(h) // persisted but never inserted into this ws

	s.reconcilePass()

	if _, ok := ws.GetHeader(fileDigest); !ok {
		t.Fatal("reconcile should pull incomplete files from disk into the working set")
	}
}
