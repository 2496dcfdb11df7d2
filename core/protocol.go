package core

import "encoding/json"

// Wire message kinds (§4.D.1). Each is a one-byte code followed by a
// JSON-encoded payload, the same envelope shape the node's block-sync
// protocol uses: a message code byte prefixed onto the body before the
// transport layer writes it to a stream or publishes it to a topic.
const (
	msgCheckHeader  byte = 0x10
	msgHeaderStatus byte = 0x11
	msgGetHeader    byte = 0x12
	msgHeader       byte = 0x13
	msgGetPart      byte = 0x14
	msgPart         byte = 0x15
)

// replicationTopic is the single libp2p stream protocol ID the protocol
// runs over; all six message kinds share it and are told apart by their
// code byte.
const replicationTopic = "filenet/replication/v1"

// checkHeaderMsg asks a peer whether it has a newer header than the one
// named by KnownRevision for FileDigest.
type checkHeaderMsg struct {
	FileDigest    Digest256 `json:"file_digest"`
	KnownRevision uint32    `json:"known_revision"`
}

// headerStatusMsg answers checkHeaderMsg: the peer's current head for
// FileDigest, or a zero HeaderDigest if it has none.
type headerStatusMsg struct {
	FileDigest   Digest256 `json:"file_digest"`
	HeaderDigest Digest256 `json:"header_digest"`
	Revision     uint32    `json:"revision"`
}

// getHeaderMsg requests the full descriptor behind a header digest.
type getHeaderMsg struct {
	FileDigest   Digest256 `json:"file_digest"`
	HeaderDigest Digest256 `json:"header_digest"`
}

// headerMsg carries a file's full descriptor. Payload is the canonical
// FileDescriptor encoding (codec.go); Digest must equal
// HeadDigestOf(Descriptor) for the receiver to accept it.
type headerMsg struct {
	FileDigest Digest256 `json:"file_digest"`
	Digest     Digest256 `json:"digest"`
	Payload    []byte    `json:"payload"`
}

// getPartMsg requests one part of one file. PartDigest pins down exactly
// which part content the requester expects back — it is the digest the
// requester itself recorded off the verified HEADER
// (HeaderEntry.PartDigests[Index]), not something the responder gets to
// assert. The responder's PART reply is only ever trusted against this
// requester-held digest, never against a digest the reply itself carries.
type getPartMsg struct {
	FileDigest Digest256 `json:"file_digest"`
	Index      uint32    `json:"index"`
	PartDigest Digest256 `json:"part_digest"`
}

// partMsg carries one part's raw bytes in reply to a getPartMsg. PartDigest
// echoes back the digest the request named, purely so a reply can be
// matched to its request; the receiver verifies Sum(Data) against its own
// locally recorded expected digest (handlePart), never against this field.
type partMsg struct {
	FileDigest Digest256 `json:"file_digest"`
	Index      uint32    `json:"index"`
	PartDigest Digest256 `json:"part_digest"`
	Data       []byte    `json:"data"`
}

func marshalPayload(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Every payload type above is plain data with no cyclic or
		// unsupported fields; Marshal cannot fail for them.
		panic(err)
	}
	return b
}
