package discovery

import (
	"sort"
	"sync"
	"time"

	"easyconnect/models"
)

type peerRecord struct {
	peer      models.Peer
	lastSeen  time.Time
	announced bool
}

// peerTable is the live peer set keyed by network address. Writers are the
// scanner goroutines; readers get sorted copies.
type peerTable struct {
	mu    sync.RWMutex
	peers map[string]peerRecord
}

func newPeerTable() *peerTable {
	return &peerTable{peers: make(map[string]peerRecord)}
}

// upsert records a sighting and reports whether the peer still needs a
// found event: it is new, or its earlier event was never delivered.
// A known address is updated in place, including a changed name or port.
func (t *peerTable) upsert(peer models.Peer, seen time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, exists := t.peers[peer.Address]
	t.peers[peer.Address] = peerRecord{peer: peer, lastSeen: seen, announced: record.announced}
	return !exists || !record.announced
}

// markAnnounced records that the found event for address was delivered.
func (t *peerTable) markAnnounced(address string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if record, ok := t.peers[address]; ok {
		record.announced = true
		t.peers[address] = record
	}
}

// expire drops peers not seen since cutoff.
func (t *peerTable) expire(cutoff time.Time) []models.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []models.Peer
	for address, record := range t.peers {
		if record.lastSeen.Before(cutoff) {
			removed = append(removed, record.peer)
			delete(t.peers, address)
		}
	}
	sortPeers(removed)
	return removed
}

func (t *peerTable) lookup(address string) (models.Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	record, ok := t.peers[address]
	return record.peer, ok
}

func (t *peerTable) snapshot() []models.Peer {
	t.mu.RLock()
	out := make([]models.Peer, 0, len(t.peers))
	for _, record := range t.peers {
		out = append(out, record.peer)
	}
	t.mu.RUnlock()

	sortPeers(out)
	return out
}

func (t *peerTable) clear() {
	t.mu.Lock()
	t.peers = make(map[string]peerRecord)
	t.mu.Unlock()
}

func sortPeers(peers []models.Peer) {
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].DisplayName == peers[j].DisplayName {
			return peers[i].Address < peers[j].Address
		}
		return peers[i].DisplayName < peers[j].DisplayName
	})
}
