package flow

import "sync"

// Pools holds the sync.Pool instances a run shares across its nodes: one for
// framework-owned item maps (RunContext's scratch map and the scheduler's
// per-node writer map), one for reorder-buffer-shaped []any slices, and one
// for byte buffers. The parallel engine keeps its reorder buffer in its own
// map and does not rent slices from here.
//
// A caller-supplied map (e.g. RunContext.Parameters) is never returned to a
// pool; only framework-allocated scratch space is.
type Pools struct {
	items sync.Pool
	slots sync.Pool
	bufs  sync.Pool
}

func newPools() *Pools {
	return &Pools{
		items: sync.Pool{New: func() any { return make(map[string]any, 8) }},
		slots: sync.Pool{New: func() any { return make([]any, 0, 16) }},
		bufs:  sync.Pool{New: func() any { buf := make([]byte, 0, 256); return &buf }},
	}
}

// GetItems returns a cleared scratch map ready for framework use.
func (p *Pools) GetItems() map[string]any {
	m := p.items.Get().(map[string]any)
	for k := range m {
		delete(m, k)
	}
	return m
}

// PutItems returns a scratch map to the pool. Do not use m after calling this.
func (p *Pools) PutItems(m map[string]any) {
	p.items.Put(m)
}

// GetSlots returns a cleared, capacity-hinted slice for reorder-buffer
// style use. hint sizes the initial allocation when the pooled slice is too
// small to reuse.
func (p *Pools) GetSlots(hint int) []any {
	s := p.slots.Get().([]any)
	if cap(s) < hint {
		s = make([]any, 0, hint)
	}
	return s[:0]
}

// PutSlots returns a reorder-buffer slice to the pool.
func (p *Pools) PutSlots(s []any) {
	p.slots.Put(s)
}

// GetBuf returns a cleared byte buffer for transient serialization work
// (e.g. checkpoint blob encoding).
func (p *Pools) GetBuf() *[]byte {
	buf := p.bufs.Get().(*[]byte)
	*buf = (*buf)[:0]
	return buf
}

// PutBuf returns a byte buffer to the pool.
func (p *Pools) PutBuf(buf *[]byte) {
	p.bufs.Put(buf)
}
