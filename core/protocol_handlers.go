package core

import (
	"encoding/json"

	"github.com/sirupsen/logrus"
)

// The six inbound handlers (§4.D.2) driving the per-file state machine
// UNKNOWN → HEADER_PENDING → DESCRIPTOR_PENDING → PARTS_PENDING →
// COMPLETE. Every handler is defensive about malformed input: a decode
// failure is logged and dropped, never propagated as a panic, since a
// peer is an untrusted remote actor.

func (e *Engine) handleCheckHeader(peerID string, payload []byte) {
	var req checkHeaderMsg
	if err := json.Unmarshal(payload, &req); err != nil {
		e.logger.WithError(err).Warn("check-header decode failed")
		return
	}
	resp := headerStatusMsg{FileDigest: req.FileDigest}
	if h, ok := e.ws.GetHeader(req.FileDigest); ok {
		resp.HeaderDigest = h.HeaderDigest
		resp.Revision = h.Revision
	} else if h, ok, err := e.index.GetHeader(req.FileDigest); err == nil && ok {
		resp.HeaderDigest = h.HeaderDigest
		resp.Revision = h.Revision
	}
	if err := e.pm.SendAsync(peerID, replicationTopic, msgHeaderStatus, marshalPayload(resp)); err != nil {
		e.logger.WithError(err).Warn("send header-status failed")
	}
}

func (e *Engine) handleHeaderStatus(peerID string, payload []byte) {
	var status headerStatusMsg
	if err := json.Unmarshal(payload, &status); err != nil {
		e.logger.WithError(err).Warn("header-status decode failed")
		return
	}
	if status.HeaderDigest.IsZero() {
		return
	}

	local, known := e.ws.GetHeader(status.FileDigest)
	if !known {
		if h, ok, err := e.index.GetHeader(status.FileDigest); err == nil && ok {
			local, known = h, true
		}
	}
	if known && local.HeaderDigest == status.HeaderDigest {
		return // already have this exact header revision
	}
	if known && local.Revision >= status.Revision {
		return // local is at least as new
	}

	if !known {
		local = HeaderEntry{
			FileDigest: status.FileDigest,
			State:      StateHeaderPending,
			UpdatedAt:  nowUnix(),
		}
		e.ws.InsertHeader(local)
		_ = e.index.PutHeader(local)
	}

	e.ws.SetHeaderProbe(PendingHeaderProbe{FileDigest: status.FileDigest, RequestedAt: nowUnix()})
	req := getHeaderMsg{FileDigest: status.FileDigest, HeaderDigest: status.HeaderDigest}
	if err := e.pm.SendAsync(peerID, replicationTopic, msgGetHeader, marshalPayload(req)); err != nil {
		e.logger.WithError(err).Warn("send get-header failed")
	}
}

func (e *Engine) handleGetHeader(peerID string, payload []byte) {
	var req getHeaderMsg
	if err := json.Unmarshal(payload, &req); err != nil {
		e.logger.WithError(err).Warn("get-header decode failed")
		return
	}
	desc, ok, err := e.index.GetDescriptor(req.FileDigest)
	if err != nil {
		e.logger.WithError(err).Warn("get-header lookup failed")
		return
	}
	if !ok {
		return
	}
	encoded := EncodeFileDescriptor(desc)
	resp := headerMsg{
		FileDigest: req.FileDigest,
		Digest:     Sum(encoded),
		Payload:    encoded,
	}
	if err := e.pm.SendAsync(peerID, replicationTopic, msgHeader, marshalPayload(resp)); err != nil {
		e.logger.WithError(err).Warn("send header failed")
	}
}

func (e *Engine) handleHeader(peerID string, payload []byte) {
	var msg headerMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		e.logger.WithError(err).Warn("header decode failed")
		return
	}
	if Sum(msg.Payload) != msg.Digest {
		e.logger.WithFields(logrus.Fields{"peer": peerID, "file_digest": msg.FileDigest.Short()}).
			Warn("header digest mismatch, dropping")
		return
	}
	desc, err := DecodeFileDescriptor(msg.Payload)
	if err != nil {
		e.logger.WithError(err).Warn("header payload decode failed")
		return
	}
	if HeadDigestOf(desc) != msg.Digest {
		e.logger.WithFields(logrus.Fields{"peer": peerID}).Warn("decoded descriptor does not match claimed digest")
		return
	}

	local, known := e.ws.GetHeader(msg.FileDigest)
	if !known {
		if h, ok, err := e.index.GetHeader(msg.FileDigest); err == nil && ok {
			local, known = h, true
		}
	}
	if known && local.State == StateComplete {
		// Refuse to apply a HEADER over a file this node has already
		// fully verified and stored: a stray or crafted HEADER must never
		// regress or corrupt an already-complete file.
		e.logger.WithFields(logrus.Fields{"peer": peerID, "file_digest": msg.FileDigest.Short()}).
			Debug("ignoring HEADER for already-complete file")
		return
	}

	header := HeaderEntry{
		FileDigest:   msg.FileDigest,
		HeaderDigest: msg.Digest,
		Revision:     1,
		Name:         desc.Name,
		TotalSize:    desc.TotalSize,
		PartCount:    uint32(len(desc.Parts)),
		PartDigests:  partDigests(desc.Parts),
		State:        StatePartsPending,
		UpdatedAt:    nowUnix(),
	}
	if known {
		header.Revision = local.Revision + 1
		if local.HeaderDigest != msg.Digest {
			// The descriptor changed shape (different revision, different
			// chunking): part bytes stored under the old revision's
			// (FileDigest, Index) keys belong to the superseded descriptor
			// and must not be mistaken for satisfying this one — purge
			// them so maybeComplete can only be satisfied by parts
			// verified against the new PartDigests.
			if err := e.index.DeleteFileParts(msg.FileDigest, local.PartCount); err != nil {
				e.logger.WithError(err).Warn("purge stale parts for revised header failed")
				return
			}
			e.ws.RemovePartsForFile(msg.FileDigest, local.PartCount)
		}
	}

	if err := e.index.PutDescriptor(desc); err != nil {
		e.logger.WithError(err).Warn("persist descriptor failed")
		return
	}
	if err := e.index.PutHeader(header); err != nil {
		e.logger.WithError(err).Warn("persist header failed")
		return
	}
	e.ws.InsertHeader(header)
	e.ws.InsertDescriptor(desc)
	e.ws.ClearHeaderProbe(msg.FileDigest)

	e.logger.WithFields(logrus.Fields{"file_digest": msg.FileDigest.Short(), "parts": len(desc.Parts)}).
		Info("header-received")

	e.requestMissingParts(peerID, desc)
}

// requestMissingParts sends GET-PART for every part of desc not already
// known locally, throttled by the scheduler's own pass rather than here —
// handleHeader fires one immediate round so a freshly-discovered file
// doesn't sit idle until the next fetch pass.
func (e *Engine) requestMissingParts(peerID string, desc FileDescriptor) {
	for _, p := range desc.Parts {
		if e.ws.HasPart(desc.FileDigest, p.Index) {
			continue
		}
		if _, ok, _ := e.index.GetPart(desc.FileDigest, p.Index); ok {
			continue
		}
		req := getPartMsg{FileDigest: desc.FileDigest, Index: p.Index, PartDigest: p.Digest}
		if err := e.pm.SendAsync(peerID, replicationTopic, msgGetPart, marshalPayload(req)); err != nil {
			e.logger.WithError(err).Warn("send get-part failed")
			continue
		}
		e.ws.SetPartRequest(PendingPartRequest{FileDigest: desc.FileDigest, Index: p.Index, RequestedAt: nowUnix()})
	}
}

func (e *Engine) handleGetPart(peerID string, payload []byte) {
	var req getPartMsg
	if err := json.Unmarshal(payload, &req); err != nil {
		e.logger.WithError(err).Warn("get-part decode failed")
		return
	}
	part, ok := e.ws.GetPart(req.FileDigest, req.Index)
	if !ok {
		var err error
		part, ok, err = e.index.GetPart(req.FileDigest, req.Index)
		if err != nil {
			e.logger.WithError(err).Warn("get-part lookup failed")
			return
		}
	}
	if !ok {
		return
	}
	resp := partMsg{
		FileDigest: req.FileDigest,
		Index:      req.Index,
		PartDigest: part.Digest,
		Data:       part.Data,
	}
	if err := e.pm.SendAsync(peerID, replicationTopic, msgPart, marshalPayload(resp)); err != nil {
		e.logger.WithError(err).Warn("send part failed")
	}
}

func (e *Engine) handlePart(peerID string, payload []byte) {
	var msg partMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		e.logger.WithError(err).Warn("part decode failed")
		return
	}

	// The digest a PART is checked against is the one this node itself
	// recorded off the verified HEADER (HeaderEntry.PartDigests[Index]),
	// never msg.PartDigest — that field is only the replying peer's own
	// echo of the request and cannot be trusted to name the right
	// content; a peer could otherwise self-declare a matching digest for
	// arbitrary bytes.
	header, ok := e.ws.GetHeader(msg.FileDigest)
	if !ok {
		var err error
		header, ok, err = e.index.GetHeader(msg.FileDigest)
		if err != nil {
			e.logger.WithError(err).Warn("part lookup failed")
			return
		}
	}
	if !ok || msg.Index >= uint32(len(header.PartDigests)) {
		return // unknown key (§7.3): no locally recorded expectation for this index
	}
	expected := header.PartDigests[msg.Index]

	// Part verification over the raw payload bytes: re-enables the check
	// the original storage-sync code shipped with disabled.
	if Sum(msg.Data) != expected {
		e.logger.WithFields(logrus.Fields{
			"peer":        peerID,
			"file_digest": msg.FileDigest.Short(),
			"index":       msg.Index,
		}).Warn("part digest mismatch, dropping")
		return
	}
	if e.ws.HasPart(msg.FileDigest, msg.Index) {
		return // duplicate delivery — already stored, don't double-count SizeCounter
	}
	if _, ok, _ := e.index.GetPart(msg.FileDigest, msg.Index); ok {
		e.ws.ClearPartRequest(msg.FileDigest, msg.Index)
		return
	}

	entry := PartEntry{FileDigest: msg.FileDigest, Index: msg.Index, Digest: expected, Data: msg.Data}
	if err := e.index.PutPart(entry); err != nil {
		e.logger.WithError(err).Warn("persist part failed")
		return
	}
	e.ws.InsertPart(entry)
	e.ws.ClearPartRequest(msg.FileDigest, msg.Index)

	e.logger.WithFields(logrus.Fields{"file_digest": msg.FileDigest.Short(), "index": msg.Index}).
		Info("part-received")

	e.maybeComplete(msg.FileDigest)
}

// maybeComplete checks whether every part named by a file's descriptor is
// now present, and if so transitions the file to StateComplete.
func (e *Engine) maybeComplete(fileDigest Digest256) {
	header, ok := e.ws.GetHeader(fileDigest)
	if !ok {
		var err error
		header, ok, err = e.index.GetHeader(fileDigest)
		if err != nil || !ok {
			return
		}
	}
	if header.State == StateComplete {
		return
	}
	for i := uint32(0); i < header.PartCount; i++ {
		part, found := e.ws.GetPart(fileDigest, i)
		if !found {
			var err error
			part, found, err = e.index.GetPart(fileDigest, i)
			if err != nil || !found {
				return // still missing at least one part
			}
		}
		if i >= uint32(len(header.PartDigests)) || part.Digest != header.PartDigests[i] {
			// A stored entry exists at this index but doesn't match the
			// current header's descriptor (e.g. a stale part left over
			// from a superseded revision) — treat it as still missing.
			return
		}
	}

	header.State = StateComplete
	header.UpdatedAt = nowUnix()
	if err := e.index.PutHeader(header); err != nil {
		e.logger.WithError(err).Warn("persist completed header failed")
		return
	}
	e.ws.InsertHeader(header)
	e.logger.WithFields(logrus.Fields{"file_digest": fileDigest.Short()}).Info("file-complete")
}
