package guard

import (
	"crypto/subtle"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Blocklist is the persisted set of refused agent addresses, compared
// lowercased.
type Blocklist struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

func NewBlocklist(addrs ...string) *Blocklist {
	b := &Blocklist{set: map[string]struct{}{}}
	for _, a := range addrs {
		b.Add(a)
	}
	return b
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func (b *Blocklist) Add(addr string) {
	addr = normalize(addr)
	if addr == "" {
		return
	}
	b.mu.Lock()
	b.set[addr] = struct{}{}
	b.mu.Unlock()
}

func (b *Blocklist) Remove(addr string) {
	b.mu.Lock()
	delete(b.set, normalize(addr))
	b.mu.Unlock()
}

func (b *Blocklist) Contains(addr string) bool {
	addr = normalize(addr)
	if addr == "" {
		return false
	}
	b.mu.RLock()
	_, ok := b.set[addr]
	b.mu.RUnlock()
	return ok
}

func (b *Blocklist) List() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.set))
	for addr := range b.set {
		out = append(out, addr)
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Replace swaps the whole set, used when loading persisted config.
func (b *Blocklist) Replace(addrs []string) {
	fresh := map[string]struct{}{}
	for _, a := range addrs {
		if n := normalize(a); n != "" {
			fresh[n] = struct{}{}
		}
	}
	b.mu.Lock()
	b.set = fresh
	b.mu.Unlock()
}

// APIKeyOK checks the gateway-level key against Authorization: Bearer
// or X-Api-Key, in constant time. An empty configured key disables the
// check.
func APIKeyOK(r *http.Request, configured string) bool {
	if configured == "" {
		return true
	}
	presented := strings.TrimSpace(r.Header.Get("X-Api-Key"))
	if presented == "" {
		auth := strings.TrimSpace(r.Header.Get("Authorization"))
		if strings.HasPrefix(auth, "Bearer ") {
			presented = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}
