package kademlia

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// PeerInfo is a known peer of the routing table
type PeerInfo struct {
	ID       NodeID    // 160-bit identifier
	Address  string    // host:port of the peer's RPC endpoint
	LastSeen time.Time // last successful contact
	Distance int       // Hamming distance to the last lookup target, informational
}

func (p *PeerInfo) String() string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s@%s", p.ID.Short(), p.Address)
}

// clone returns a copy safe to hand out of the routing table
func (p *PeerInfo) clone() *PeerInfo {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// PeerList is a list of peers ordered by closeness to Comparator
type PeerList struct {
	Peers      []*PeerInfo
	Comparator NodeID
}

// Len returns the number of peers
func (l *PeerList) Len() int {
	return len(l.Peers)
}

// Contains reports whether a peer with the id is in the list
func (l *PeerList) Contains(id NodeID) bool {
	for _, p := range l.Peers {
		if p.ID == id {
			return true
		}
	}
	return false
}

// AddPeers appends peers not already present and returns how many were new
func (l *PeerList) AddPeers(peers []*PeerInfo) int {
	added := 0
	for _, p := range peers {
		if p == nil || l.Contains(p.ID) {
			continue
		}
		l.Peers = append(l.Peers, p)
		added++
	}
	return added
}

// Sort orders peers by XOR closeness to Comparator and fills Distance
func (l *PeerList) Sort() {
	for _, p := range l.Peers {
		p.Distance = Distance(p.ID, l.Comparator)
	}
	sort.SliceStable(l.Peers, func(i, j int) bool {
		return closer(l.Comparator, l.Peers[i].ID, l.Peers[j].ID)
	})
}

// Truncate keeps the first n peers
func (l *PeerList) Truncate(n int) {
	if n >= 0 && len(l.Peers) > n {
		l.Peers = l.Peers[:n]
	}
}

func (l *PeerList) String() string {
	parts := make([]string, 0, len(l.Peers))
	for _, p := range l.Peers {
		parts = append(parts, p.String())
	}
	return strings.Join(parts, ",")
}
