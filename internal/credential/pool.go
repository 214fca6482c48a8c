package credential

import (
	"bytes"
	"encoding/binary"
	"iter"
	"sync"

	"github.com/cespare/xxhash"
)

// Provider is what the engines consume. Iteration order is deterministic:
// insertion order within a kind.
type Provider interface {
	Next(kind Kind) (Credential, bool)
	All(kind Kind) iter.Seq[Credential]
}

// Pool is an ordered, de-duplicated set of credentials.
type Pool struct {
	mu      sync.Mutex
	byKind  map[Kind][]Credential
	seen    map[uint64][]Credential
	cursors map[Kind]int
}

func NewPool(creds ...Credential) *Pool {
	p := &Pool{
		byKind:  make(map[Kind][]Credential),
		seen:    make(map[uint64][]Credential),
		cursors: make(map[Kind]int),
	}
	for _, c := range creds {
		p.Add(c)
	}
	return p
}

// Add appends c unless an identical credential is already present.
func (p *Pool) Add(c Credential) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	d := digest(c)
	for _, other := range p.seen[d] {
		if sameCredential(c, other) {
			return false
		}
	}
	p.seen[d] = append(p.seen[d], c)
	p.byKind[c.Kind] = append(p.byKind[c.Kind], c)
	return true
}

// Merge adds every credential of other, keeping other's order.
func (p *Pool) Merge(other *Pool) {
	if other == nil {
		return
	}
	for _, k := range AllKinds() {
		for c := range other.All(k) {
			p.Add(c)
		}
	}
}

// Next returns the credentials of kind one at a time. Reset rewinds.
func (p *Pool) Next(kind Kind) (Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.cursors[kind]
	list := p.byKind[kind]
	if i >= len(list) {
		return Credential{}, false
	}
	p.cursors[kind] = i + 1
	return list[i], true
}

func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursors = make(map[Kind]int)
}

// All iterates a snapshot of the credentials of kind.
func (p *Pool) All(kind Kind) iter.Seq[Credential] {
	p.mu.Lock()
	list := append([]Credential(nil), p.byKind[kind]...)
	p.mu.Unlock()

	return func(yield func(Credential) bool) {
		for _, c := range list {
			if !yield(c) {
				return
			}
		}
	}
}

// Iter walks every credential by (kind priority, insertion order).
func (p *Pool) Iter() iter.Seq[Credential] {
	return func(yield func(Credential) bool) {
		for _, k := range AllKinds() {
			for c := range p.All(k) {
				if !yield(c) {
					return
				}
			}
		}
	}
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, list := range p.byKind {
		n += len(list)
	}
	return n
}

// Count returns how many credentials of kind the pool holds.
func (p *Pool) Count(kind Kind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byKind[kind])
}

// Has reports whether any of the given kinds is present in prov.
func Has(prov Provider, kinds ...Kind) bool {
	for _, k := range kinds {
		for range prov.All(k) {
			return true
		}
	}
	return false
}

func digest(c Credential) uint64 {
	h := xxhash.New()
	var kb [8]byte
	binary.BigEndian.PutUint64(kb[:], uint64(c.Kind))
	h.Write(kb[:])
	if c.Kind == KindKindleVoucher {
		h.Write([]byte(c.Name))
		h.Write([]byte{0})
	}
	h.Write(c.Data)
	for _, name := range sortedFieldNames(c.Fields) {
		h.Write([]byte{0})
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write(c.Fields[name])
	}
	return h.Sum64()
}

// sameCredential compares what digest hashes.
func sameCredential(a, b Credential) bool {
	if a.Kind != b.Kind || !bytes.Equal(a.Data, b.Data) || len(a.Fields) != len(b.Fields) {
		return false
	}
	if a.Kind == KindKindleVoucher && a.Name != b.Name {
		return false
	}
	for name, v := range a.Fields {
		if w, ok := b.Fields[name]; !ok || !bytes.Equal(v, w) {
			return false
		}
	}
	return true
}
