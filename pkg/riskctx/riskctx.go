// Package riskctx tracks IP and device associations across accounts. It is
// the shared context feeding sybil scoring: every evaluation records which
// account arrived from which network prefix and device.
package riskctx

import (
	"hash/fnv"
	"net/netip"
	"strings"
	"sync"
)

const shardCount = 32

type shard struct {
	mu sync.RWMutex
	// prefix -> set of account ids seen from it
	byPrefix map[string]map[string]struct{}
	// device id -> set of account ids seen on it
	byDevice map[string]map[string]struct{}
}

// Store is the concurrent IP/device association table. Safe for
// simultaneous evaluation of different accounts.
type Store struct {
	shards [shardCount]*shard
}

// NewStore creates an empty association store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{
			byPrefix: make(map[string]map[string]struct{}),
			byDevice: make(map[string]map[string]struct{}),
		}
	}
	return s
}

func (s *Store) shard(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// Prefix reduces an address to its clustering prefix: /24 for IPv4, /48
// for IPv6. Unparseable addresses cluster by their literal value.
func Prefix(addr string) string {
	// Strip an optional port.
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		addr = ap.Addr().String()
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return strings.ToLower(addr)
	}
	bits := 24
	if ip.Is6() && !ip.Is4In6() {
		bits = 48
	}
	p, err := ip.Prefix(bits)
	if err != nil {
		return ip.String()
	}
	return p.String()
}

// Observe records that accountID was seen from sourceAddr and deviceID.
// Empty signals are skipped.
func (s *Store) Observe(accountID, sourceAddr, deviceID string) {
	if sourceAddr != "" {
		prefix := Prefix(sourceAddr)
		sh := s.shard(prefix)
		sh.mu.Lock()
		set, ok := sh.byPrefix[prefix]
		if !ok {
			set = make(map[string]struct{})
			sh.byPrefix[prefix] = set
		}
		set[accountID] = struct{}{}
		sh.mu.Unlock()
	}
	if deviceID != "" {
		sh := s.shard(deviceID)
		sh.mu.Lock()
		set, ok := sh.byDevice[deviceID]
		if !ok {
			set = make(map[string]struct{})
			sh.byDevice[deviceID] = set
		}
		set[accountID] = struct{}{}
		sh.mu.Unlock()
	}
}

// AccountsOnPrefix returns how many distinct accounts share the prefix of
// sourceAddr.
func (s *Store) AccountsOnPrefix(sourceAddr string) int {
	prefix := Prefix(sourceAddr)
	sh := s.shard(prefix)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.byPrefix[prefix])
}

// AccountsOnDevice returns how many distinct accounts share deviceID.
func (s *Store) AccountsOnDevice(deviceID string) int {
	sh := s.shard(deviceID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.byDevice[deviceID])
}
