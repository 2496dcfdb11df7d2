package core

import "testing"

func TestWorkingSetInsertHeaderRespectsCap(t *testing.T) {
	ws := NewWorkingSet()
	for i := 0; i < capPerMap; i++ {
		digest := Sum([]byte{byte(i), byte(i >> 8)})
		if !ws.InsertHeader(HeaderEntry{FileDigest: digest}) {
			t.Fatalf("insert %d should have succeeded under cap", i)
		}
	}
	headers, _, _ := ws.Len()
	if headers != capPerMap {
		t.Fatalf("expected %d headers, got %d", capPerMap, headers)
	}

	overflow := Sum([]byte("overflow"))
	if ws.InsertHeader(HeaderEntry{FileDigest: overflow}) {
		t.Fatal("insert beyond cap should have been rejected")
	}
	if _, ok := ws.GetHeader(overflow); ok {
		t.Fatal("rejected header should not be retrievable")
	}
}

func TestWorkingSetInsertHeaderOverwriteExisting(t *testing.T) {
	ws := NewWorkingSet()
	digest := Sum([]byte("f"))
	ws.InsertHeader(HeaderEntry{FileDigest: digest, Revision: 1})
	for i := 0; i < capPerMap-1; i++ {
		ws.InsertHeader(HeaderEntry{FileDigest: Sum([]byte{byte(i), byte(i >> 8)})})
	}
	// Table is now at capacity; re-inserting the same key must still succeed.
	if !ws.InsertHeader(HeaderEntry{FileDigest: digest, Revision: 2}) {
		t.Fatal("overwrite of existing key should not be rejected by the cap")
	}
	got, ok := ws.GetHeader(digest)
	if !ok || got.Revision != 2 {
		t.Fatalf("expected overwritten revision 2, got %+v ok=%v", got, ok)
	}
}

func TestWorkingSetPartLifecycle(t *testing.T) {
	ws := NewWorkingSet()
	fileDigest := Sum([]byte("f"))
	part := PartEntry{FileDigest: fileDigest, Index: 3, Digest: Sum([]byte("p3")), Data: []byte("p3")}

	if ws.HasPart(fileDigest, 3) {
		t.Fatal("part should not exist yet")
	}
	if !ws.InsertPart(part) {
		t.Fatal("insert part should succeed")
	}
	if !ws.HasPart(fileDigest, 3) {
		t.Fatal("part should exist after insert")
	}
	got, ok := ws.GetPart(fileDigest, 3)
	if !ok || got.Index != 3 {
		t.Fatalf("unexpected get part result: %+v ok=%v", got, ok)
	}

	ws.RemovePartsForFile(fileDigest, 4)
	if ws.HasPart(fileDigest, 3) {
		t.Fatal("part should be gone after RemovePartsForFile")
	}
}

func TestWorkingSetPendingHeaderProbeLifecycle(t *testing.T) {
	ws := NewWorkingSet()
	digest := Sum([]byte("f"))
	if _, ok := ws.HeaderProbe(digest); ok {
		t.Fatal("no probe should be pending initially")
	}
	ws.SetHeaderProbe(PendingHeaderProbe{FileDigest: digest, RequestedAt: 123})
	p, ok := ws.HeaderProbe(digest)
	if !ok || p.RequestedAt != 123 {
		t.Fatalf("unexpected probe: %+v ok=%v", p, ok)
	}
	ws.ClearHeaderProbe(digest)
	if _, ok := ws.HeaderProbe(digest); ok {
		t.Fatal("probe should be cleared")
	}
}

func TestWorkingSetIncompleteFilesExcludesComplete(t *testing.T) {
	ws := NewWorkingSet()
	pending := Sum([]byte("pending"))
	complete := Sum([]byte("complete"))
	ws.InsertHeader(HeaderEntry{FileDigest: pending, State: StatePartsPending})
	ws.InsertHeader(HeaderEntry{FileDigest: complete, State: StateComplete})

	incomplete := ws.IncompleteFiles()
	if len(incomplete) != 1 || incomplete[0] != pending {
		t.Fatalf("expected only %x in incomplete set, got %v", pending, incomplete)
	}
}
