package core

// FileState is the per-file replication state machine (§4.D.4): every file
// this node knows about occupies exactly one of these states at a time.
type FileState int

const (
	StateUnknown FileState = iota
	StateHeaderPending
	StateDescriptorPending
	StatePartsPending
	StateComplete
)

func (s FileState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateHeaderPending:
		return "header_pending"
	case StateDescriptorPending:
		return "descriptor_pending"
	case StatePartsPending:
		return "parts_pending"
	case StateComplete:
		return "complete"
	default:
		return "invalid"
	}
}

// FileRef is the external handle by which a parsed transaction names an
// attachment: an operator-facing display name plus the set of file
// references it carries. A single named attachment can bundle more than
// one underlying file (e.g. a multi-file archive embedded in one
// transaction output), so Parts is a slice, matching the distilled
// spec's `{ name, parts: [HeadRef] }` shape exactly.
type FileRef struct {
	Name  string
	Parts []HeadRef
}

// HeadRef points from a file digest at the header revision this node
// currently believes is newest, plus the total byte size a transaction
// claimed for it (used to size-check the descriptor once fetched). Three
// header revisions have shipped on the wire over this subsystem's
// lifetime; HeadRef lets a node track "the header I
// have" separately from "the header digest I was told about", so a
// stale HEADER-STATUS reply never silently regresses a newer local
// header.
type HeadRef struct {
	FileDigest   Digest256
	HeaderDigest Digest256
	Size         uint64
	Revision     uint32
}

// HeaderEntry is the persisted header record for a file: everything
// needed to know the file's shape without holding its part data.
type HeaderEntry struct {
	FileDigest   Digest256
	HeaderDigest Digest256
	Revision     uint32
	Name         string
	TotalSize    uint64
	PartCount    uint32
	PartDigests  []Digest256
	State        FileState
	UpdatedAt    int64
}

// FileDescriptor is the full descriptor of a file's parts. Its canonical
// encoding is what HEADER messages carry on the wire, and
// digest(encode(descriptor)) must equal the HeaderDigest the file's
// HeadRef names (§4.A's content-addressing contract).
type FileDescriptor struct {
	FileDigest Digest256
	Name       string
	TotalSize  uint64
	Parts      []PartRef
}

// PartRef is one entry in a FileDescriptor: the digest, size and
// sequence index of a single part.
type PartRef struct {
	Digest Digest256
	Size   uint32
	Index  uint32
}

// PartEntry is a persisted part: its owning file, position, digest and
// raw bytes. PART messages on the wire carry the same four fields.
type PartEntry struct {
	FileDigest Digest256
	Index      uint32
	Digest     Digest256
	Data       []byte
}

// SizeCounter is the reserved running total kept alongside the Parts
// table (the ("F","size") key in §3): bytes and part-count received
// across every file this node has ever stored a part for.
type SizeCounter struct {
	TotalBytes uint64
	TotalParts uint64
}

// PendingHeaderProbe records an in-flight CHECK-HEADER/GET-HEADER
// exchange for a file so the scheduler's header-probe pass does not
// re-request while a reply may still be in transit.
type PendingHeaderProbe struct {
	FileDigest  Digest256
	RequestedAt int64
	Attempts    int
}

// PendingPartRequest records an in-flight GET-PART request for one part
// of one file.
type PendingPartRequest struct {
	FileDigest  Digest256
	Index       uint32
	RequestedAt int64
	Attempts    int
}

// Transaction is the minimal view this subsystem needs of a parsed
// chain-layer transaction: the list of storage attachments it carries.
// Everything else about a transaction (inputs, outputs, signatures) is
// the chain-validation layer's concern and never reaches this package
// (§1's scope boundary) — a caller hands Engine.IngestTx exactly this
// much, already parsed.
type Transaction struct {
	StorageRefs []FileRef
}
