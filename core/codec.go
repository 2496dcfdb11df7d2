package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// Canonical byte encodings for every record type this subsystem hashes or
// puts on the wire. Fixed-width integers are little-endian via
// encoding/binary; variable-length byte strings and slices are length
// prefixed with an unsigned LEB128 varint via go-varint, the same prefix
// format libp2p's own wire messages use.

func writeVarBytes(w *bytes.Buffer, b []byte) {
	var buf [binary.MaxVarintLen64]byte
	n := varint.PutUvarint(buf[:], uint64(len(b)))
	w.Write(buf[:n])
	w.Write(b)
}

func readVarBytes(r *bytes.Reader) ([]byte, error) {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("read varint length: %w", err)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("read %d bytes: %w", n, err)
	}
	return b, nil
}

func writeDigest(w *bytes.Buffer, d Digest256) { w.Write(d[:]) }

func readDigest(r *bytes.Reader) (Digest256, error) {
	var d Digest256
	if _, err := io.ReadFull(r, d[:]); err != nil {
		return d, fmt.Errorf("read digest: %w", err)
	}
	return d, nil
}

func writeUint32(w *bytes.Buffer, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	w.Write(buf[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("read uint32: %w", err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeUint64(w *bytes.Buffer, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	w.Write(buf[:])
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("read uint64: %w", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// EncodePartRef / DecodePartRef

func encodePartRef(w *bytes.Buffer, p PartRef) {
	writeDigest(w, p.Digest)
	writeUint32(w, p.Size)
	writeUint32(w, p.Index)
}

func decodePartRef(r *bytes.Reader) (PartRef, error) {
	var p PartRef
	var err error
	if p.Digest, err = readDigest(r); err != nil {
		return p, err
	}
	if p.Size, err = readUint32(r); err != nil {
		return p, err
	}
	if p.Index, err = readUint32(r); err != nil {
		return p, err
	}
	return p, nil
}

// EncodeFileDescriptor produces the canonical bytes a FileDescriptor's
// digest is computed over; this is also the exact byte layout of a HEADER
// wire message's payload.
func EncodeFileDescriptor(d FileDescriptor) []byte {
	var buf bytes.Buffer
	writeDigest(&buf, d.FileDigest)
	writeVarBytes(&buf, []byte(d.Name))
	writeUint64(&buf, d.TotalSize)
	var n [binary.MaxVarintLen64]byte
	ln := varint.PutUvarint(n[:], uint64(len(d.Parts)))
	buf.Write(n[:ln])
	for _, p := range d.Parts {
		encodePartRef(&buf, p)
	}
	return buf.Bytes()
}

// DecodeFileDescriptor reverses EncodeFileDescriptor.
func DecodeFileDescriptor(b []byte) (FileDescriptor, error) {
	r := bytes.NewReader(b)
	var d FileDescriptor
	var err error
	if d.FileDigest, err = readDigest(r); err != nil {
		return d, err
	}
	name, err := readVarBytes(r)
	if err != nil {
		return d, err
	}
	d.Name = string(name)
	if d.TotalSize, err = readUint64(r); err != nil {
		return d, err
	}
	count, err := varint.ReadUvarint(r)
	if err != nil {
		return d, fmt.Errorf("read part count: %w", err)
	}
	d.Parts = make([]PartRef, 0, count)
	for i := uint64(0); i < count; i++ {
		p, err := decodePartRef(r)
		if err != nil {
			return d, err
		}
		d.Parts = append(d.Parts, p)
	}
	return d, nil
}

// HeadDigestOf recomputes the content digest of a descriptor. A HEADER
// message is only accepted once this equals the digest the HEADER message
// itself carries (§4.A's digest(encode(x)) == head_digest(x) contract).
func HeadDigestOf(d FileDescriptor) Digest256 {
	return Sum(EncodeFileDescriptor(d))
}

// EncodeHeaderEntry / DecodeHeaderEntry — the persisted form stored in the
// Headers table.
func EncodeHeaderEntry(h HeaderEntry) []byte {
	var buf bytes.Buffer
	writeDigest(&buf, h.FileDigest)
	writeDigest(&buf, h.HeaderDigest)
	writeUint32(&buf, h.Revision)
	writeVarBytes(&buf, []byte(h.Name))
	writeUint64(&buf, h.TotalSize)
	writeUint32(&buf, h.PartCount)
	var n [binary.MaxVarintLen64]byte
	ln := varint.PutUvarint(n[:], uint64(len(h.PartDigests)))
	buf.Write(n[:ln])
	for _, d := range h.PartDigests {
		writeDigest(&buf, d)
	}
	writeUint32(&buf, uint32(h.State))
	writeUint64(&buf, uint64(h.UpdatedAt))
	return buf.Bytes()
}

func DecodeHeaderEntry(b []byte) (HeaderEntry, error) {
	r := bytes.NewReader(b)
	var h HeaderEntry
	var err error
	if h.FileDigest, err = readDigest(r); err != nil {
		return h, err
	}
	if h.HeaderDigest, err = readDigest(r); err != nil {
		return h, err
	}
	if h.Revision, err = readUint32(r); err != nil {
		return h, err
	}
	name, err := readVarBytes(r)
	if err != nil {
		return h, err
	}
	h.Name = string(name)
	if h.TotalSize, err = readUint64(r); err != nil {
		return h, err
	}
	if h.PartCount, err = readUint32(r); err != nil {
		return h, err
	}
	count, err := varint.ReadUvarint(r)
	if err != nil {
		return h, fmt.Errorf("read part-digest count: %w", err)
	}
	h.PartDigests = make([]Digest256, 0, count)
	for i := uint64(0); i < count; i++ {
		d, err := readDigest(r)
		if err != nil {
			return h, err
		}
		h.PartDigests = append(h.PartDigests, d)
	}
	state, err := readUint32(r)
	if err != nil {
		return h, err
	}
	h.State = FileState(state)
	ts, err := readUint64(r)
	if err != nil {
		return h, err
	}
	h.UpdatedAt = int64(ts)
	return h, nil
}

// EncodePartEntry / DecodePartEntry — the persisted form stored in the
// Parts table. A PART wire message carries a JSON partMsg instead.
func EncodePartEntry(p PartEntry) []byte {
	var buf bytes.Buffer
	writeDigest(&buf, p.FileDigest)
	writeUint32(&buf, p.Index)
	writeDigest(&buf, p.Digest)
	writeVarBytes(&buf, p.Data)
	return buf.Bytes()
}

func DecodePartEntry(b []byte) (PartEntry, error) {
	r := bytes.NewReader(b)
	var p PartEntry
	var err error
	if p.FileDigest, err = readDigest(r); err != nil {
		return p, err
	}
	if p.Index, err = readUint32(r); err != nil {
		return p, err
	}
	if p.Digest, err = readDigest(r); err != nil {
		return p, err
	}
	if p.Data, err = readVarBytes(r); err != nil {
		return p, err
	}
	return p, nil
}

// EncodeSizeCounter / DecodeSizeCounter.
func EncodeSizeCounter(c SizeCounter) []byte {
	var buf bytes.Buffer
	writeUint64(&buf, c.TotalBytes)
	writeUint64(&buf, c.TotalParts)
	return buf.Bytes()
}

func DecodeSizeCounter(b []byte) (SizeCounter, error) {
	r := bytes.NewReader(b)
	var c SizeCounter
	var err error
	if c.TotalBytes, err = readUint64(r); err != nil {
		return c, err
	}
	if c.TotalParts, err = readUint64(r); err != nil {
		return c, err
	}
	return c, nil
}
