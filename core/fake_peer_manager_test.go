package core

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// fakePeerManager is a PeerManager test double: it never touches a real
// libp2p host, only records what Engine sends so a test can assert on it
// (and, for scenarios that exercise a two-node exchange, feed a send back
// into the other Engine's handleMsg directly rather than through a
// channel, since tests run single-threaded and synchronously).
type fakePeerManager struct {
	mu    sync.Mutex
	peers []PeerInfo
	sent  []sentMsg
}

type sentMsg struct {
	peerID  string
	proto   string
	code    byte
	payload []byte
}

func newFakePeerManager(peerIDs ...string) *fakePeerManager {
	infos := make([]PeerInfo, len(peerIDs))
	for i, id := range peerIDs {
		infos[i] = PeerInfo{ID: NodeID(id)}
	}
	return &fakePeerManager{peers: infos}
}

func (f *fakePeerManager) Peers() []PeerInfo { return append([]PeerInfo(nil), f.peers...) }

func (f *fakePeerManager) Connect(addr string) error { return nil }

func (f *fakePeerManager) Disconnect(id NodeID) error { return nil }

func (f *fakePeerManager) Sample(n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n && i < len(f.peers); i++ {
		ids = append(ids, string(f.peers[i].ID))
	}
	return ids
}

func (f *fakePeerManager) SendAsync(peerID, proto string, code byte, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{peerID: peerID, proto: proto, code: code, payload: payload})
	return nil
}

func (f *fakePeerManager) Subscribe(proto string) <-chan InboundMsg {
	return make(chan InboundMsg)
}

func (f *fakePeerManager) Unsubscribe(proto string) {}

func (f *fakePeerManager) ForEachPeer(fn func(PeerInfo) bool) {
	for _, p := range f.Peers() {
		if !fn(p) {
			return
		}
	}
}

func (f *fakePeerManager) lastSent() (sentMsg, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentMsg{}, false
	}
	return f.sent[len(f.sent)-1], true
}

func (f *fakePeerManager) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakePeerManager) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

var _ PeerManager = (*fakePeerManager)(nil)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
