package core

import (
	"bytes"
	"testing"
)

func TestFileDescriptorRoundTrip(t *testing.T) {
	d := FileDescriptor{
		FileDigest: Sum([]byte("file-digest-seed")),
		Name:       "report.pdf",
		TotalSize:  9,
		Parts: []PartRef{
			{Digest: Sum([]byte("part-0")), Size: 5, Index: 0},
			{Digest: Sum([]byte("part-1")), Size: 4, Index: 1},
		},
	}

	encoded := EncodeFileDescriptor(d)
	got, err := DecodeFileDescriptor(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.FileDigest != d.FileDigest || got.Name != d.Name || got.TotalSize != d.TotalSize {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, d)
	}
	if len(got.Parts) != len(d.Parts) {
		t.Fatalf("part count mismatch: got %d, want %d", len(got.Parts), len(d.Parts))
	}
	for i := range d.Parts {
		if got.Parts[i] != d.Parts[i] {
			t.Fatalf("part %d mismatch: got %+v, want %+v", i, got.Parts[i], d.Parts[i])
		}
	}
}

func TestHeadDigestOfMatchesSumOfEncoding(t *testing.T) {
	d := FileDescriptor{FileDigest: Sum([]byte("seed")), Name: "a", TotalSize: 1, Parts: nil}
	if HeadDigestOf(d) != Sum(EncodeFileDescriptor(d)) {
		t.Fatal("HeadDigestOf must equal Sum(EncodeFileDescriptor(d))")
	}
}

func TestHeaderEntryRoundTrip(t *testing.T) {
	h := HeaderEntry{
		FileDigest:   Sum([]byte("f")),
		HeaderDigest: Sum([]byte("h")),
		Revision:     3,
		Name:         "x.bin",
		TotalSize:    1024,
		PartCount:    2,
		PartDigests:  []Digest256{Sum([]byte("p0")), Sum([]byte("p1"))},
		State:        StatePartsPending,
		UpdatedAt:    1700000000,
	}
	got, err := DecodeHeaderEntry(EncodeHeaderEntry(h))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.FileDigest != h.FileDigest || got.HeaderDigest != h.HeaderDigest ||
		got.Revision != h.Revision || got.Name != h.Name || got.TotalSize != h.TotalSize ||
		got.PartCount != h.PartCount || got.State != h.State || got.UpdatedAt != h.UpdatedAt {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
	if len(got.PartDigests) != len(h.PartDigests) {
		t.Fatalf("part digest count mismatch: got %d want %d", len(got.PartDigests), len(h.PartDigests))
	}
	for i := range h.PartDigests {
		if got.PartDigests[i] != h.PartDigests[i] {
			t.Fatalf("part digest %d mismatch", i)
		}
	}
}

func TestPartEntryRoundTrip(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5}
	p := PartEntry{FileDigest: Sum([]byte("f")), Index: 7, Digest: Sum(data), Data: data}
	got, err := DecodePartEntry(EncodePartEntry(p))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.FileDigest != p.FileDigest || got.Index != p.Index || got.Digest != p.Digest {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
	if !bytes.Equal(got.Data, p.Data) {
		t.Fatalf("data mismatch: got %x, want %x", got.Data, p.Data)
	}
}

func TestSizeCounterRoundTrip(t *testing.T) {
	c := SizeCounter{TotalBytes: 4096, TotalParts: 12}
	got, err := DecodeSizeCounter(EncodeSizeCounter(c))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != c {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, c)
	}
}

func TestDecodeFileDescriptorRejectsTruncatedInput(t *testing.T) {
	d := FileDescriptor{FileDigest: Sum([]byte("f")), Name: "n", TotalSize: 1, Parts: []PartRef{{Digest: Sum([]byte("p")), Size: 1, Index: 0}}}
	encoded := EncodeFileDescriptor(d)
	if _, err := DecodeFileDescriptor(encoded[:len(encoded)-2]); err == nil {
		t.Fatal("expected error decoding truncated descriptor")
	}
}
