package core

import (
	"context"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	host "github.com/libp2p/go-libp2p/core/host"
)

// Address identifies a node operator or peer-facing identity. It is carried
// over from the wider platform's account model purely as a stable 20-byte
// handle; this package never reads balances or signatures off it.
type Address [20]byte

func (a Address) Hex() string    { return "0x" + hex.EncodeToString(a[:]) }
func (a Address) String() string { return a.Hex() }
func (a Address) Short() string {
	h := a.Hex()
	if len(h) <= 10 {
		return h
	}
	return h[:6] + "…" + h[len(h)-4:]
}

// Hash is a generic 32-byte digest. The file-replication subsystem's own
// content digest type is Digest256 (see digest.go); Hash remains for the
// transport layer's peer/message plumbing inherited from the wider node.
type Hash [32]byte

func (h Hash) Hex() string    { return "0x" + hex.EncodeToString(h[:]) }
func (h Hash) String() string { return h.Hex() }
func (h Hash) Short() string {
	s := h.Hex()
	if len(s) <= 10 {
		return s
	}
	return s[:6] + "…" + s[len(s)-4:]
}

// NodeID is a libp2p peer ID rendered as a string, used as a map key
// throughout the network layer.
type NodeID string

// Peer is a known remote node as tracked by Node's peer table.
type Peer struct {
	ID      NodeID
	Addr    string
	Latency time.Duration
}

// Message is a decoded pubsub message delivered to a topic subscriber.
type Message struct {
	From  NodeID
	Topic string
	Data  []byte
}

// Config configures a Node's listen address, discovery tag and bootstrap
// peers. It carries no consensus or VM settings.
type Config struct {
	ID             string
	MaxPeers       int
	P2PPort        int
	ListenAddr     string
	DiscoveryTag   string
	BootstrapPeers []string
}

// Node is a libp2p-backed P2P host: gossip transport, mDNS discovery and
// NAT traversal, with a flat peer table guarded by peerLock.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription

	peerLock sync.RWMutex
	peers    map[NodeID]*Peer

	topicLock sync.Mutex
	subLock   sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config

	nat *NATManager
}

// PeerInfo is a peer summary exposed through PeerManager, independent of
// the underlying transport's own Peer bookkeeping. ID is the transport's
// own peer identifier (a libp2p peer ID string) and is what callers must
// pass back into PeerManager.SendAsync — Address is an operator-facing
// display handle only and is not guaranteed to resolve back to a live
// connection.
type PeerInfo struct {
	ID      NodeID
	Address Address
	RTT     float64
	Updated int64
}

// InboundMsg is a single decoded message delivered off a PeerManager
// subscription: the six wire message kinds of the replication protocol all
// arrive wrapped in one of these.
type InboundMsg struct {
	PeerID  string
	Code    byte
	Payload []byte
	Topic   string
	From    string
	Ts      int64
}

// PeerManager is the engine's view of the transport: enough to discover,
// connect to, sample and message remote peers without depending on a
// concrete libp2p type.
type PeerManager interface {
	Peers() []PeerInfo
	Connect(addr string) error
	Disconnect(id NodeID) error
	Sample(n int) []string
	SendAsync(peerID, proto string, code byte, payload []byte) error
	Subscribe(proto string) <-chan InboundMsg
	Unsubscribe(proto string)
	// ForEachPeer visits each currently known peer, stopping early if fn
	// returns false.
	ForEachPeer(fn func(PeerInfo) bool)
}

// KVStore is an ordered map from serialised key to serialised value with
// atomic single-key writes and forward iteration from a starting key. The
// three persistent indexes (headers, descriptors, parts) are each a thin
// namespaced view over one KVStore.
type KVStore interface {
	Get(key []byte) ([]byte, bool, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	Iterator(start, end []byte) Iterator
}

// Iterator walks a KVStore in key order starting at or after the Iterator's
// configured start key, stopping before its configured end key (nil end
// means "no upper bound").
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Close() error
}

// InMemoryStore is a KVStore backed by a sorted slice of keys, used as the
// default reference/test backend: production deployments may substitute
// any KVStore implementation without touching the index layer.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
	keys []string // kept sorted
}

// NewInMemoryStore returns an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string][]byte)}
}

func (s *InMemoryStore) Get(key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *InMemoryStore) Set(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := string(key)
	if _, exists := s.data[k]; !exists {
		i := sort.SearchStrings(s.keys, k)
		s.keys = append(s.keys, "")
		copy(s.keys[i+1:], s.keys[i:])
		s.keys[i] = k
	}
	s.data[k] = append([]byte(nil), value...)
	return nil
}

func (s *InMemoryStore) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := string(key)
	if _, exists := s.data[k]; !exists {
		return nil
	}
	delete(s.data, k)
	i := sort.SearchStrings(s.keys, k)
	if i < len(s.keys) && s.keys[i] == k {
		s.keys = append(s.keys[:i], s.keys[i+1:]...)
	}
	return nil
}

func (s *InMemoryStore) Iterator(start, end []byte) Iterator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	startKey := string(start)
	i := sort.SearchStrings(s.keys, startKey)
	var keys []string
	for ; i < len(s.keys); i++ {
		if end != nil && s.keys[i] >= string(end) {
			break
		}
		keys = append(keys, s.keys[i])
	}
	return &memIterator{store: s, keys: keys, pos: -1}
}

type memIterator struct {
	store *InMemoryStore
	keys  []string
	pos   int
}

func (it *memIterator) Next() bool {
	it.pos++
	return it.pos < len(it.keys)
}

func (it *memIterator) Key() []byte {
	if it.pos < 0 || it.pos >= len(it.keys) {
		return nil
	}
	return []byte(it.keys[it.pos])
}

func (it *memIterator) Value() []byte {
	if it.pos < 0 || it.pos >= len(it.keys) {
		return nil
	}
	it.store.mu.RLock()
	defer it.store.mu.RUnlock()
	return append([]byte(nil), it.store.data[it.keys[it.pos]]...)
}

func (it *memIterator) Error() error { return nil }
func (it *memIterator) Close() error { return nil }
