package sentinel

import (
	"time"
)

// Buffer tier sizes. The relay path acquires chunk-size buffers from
// the smallest tier that fits.
const (
	SmallBufferSize  = 64 << 10  // 64KiB
	MediumBufferSize = 256 << 10 // 256KiB
	LargeBufferSize  = 1 << 20   // 1MiB
)

const (
	tierSmall = iota
	tierMedium
	tierLarge
	numTiers
)

var tierNames = [numTiers]string{"small", "medium", "large"}

// Buffer is an exclusively owned byte region handed out by the pool.
// It carries only a tier tag; ownership transfers back on Release.
// Overflow buffers are created when a tier is saturated and are never
// pooled.
type Buffer struct {
	data     []byte
	tier     int
	overflow bool
}

// Bytes returns the backing byte slice.
func (b *Buffer) Bytes() []byte { return b.data }

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Overflow reports whether this buffer bypassed tier capacity and will
// be discarded rather than pooled on release.
func (b *Buffer) Overflow() bool { return b.overflow }

// BufferPool is a tiered reusable byte-buffer allocator. Each tier has
// a fixed buffer size and a configured capacity bounding the number of
// outstanding pooled buffers. Buffers are allocated lazily and kept on
// a per-tier free list after release.
type BufferPool struct {
	// AcquireTimeout bounds the wait for a free slot when a tier is at
	// capacity. Zero means hand out an overflow buffer immediately.
	AcquireTimeout time.Duration

	// AllowOverflow permits unpooled overflow buffers when a tier is
	// saturated. When false, a saturated tier yields a pool-exhausted
	// error instead.
	AllowOverflow bool

	// Metrics records outstanding and overflow counts (optional).
	Metrics *Metrics

	tiers [numTiers]*bufferTier
}

// bufferTier tracks one size class. The slots channel is the capacity
// semaphore: a token is held for every outstanding pooled buffer.
type bufferTier struct {
	size  int
	cap   int
	slots chan struct{}
	free  chan []byte
}

// NewBufferPool configures per-tier capacities. Buffers are allocated
// on first demand, not preallocated.
func NewBufferPool(smallCap, mediumCap, largeCap int) *BufferPool {
	p := &BufferPool{AllowOverflow: true}

	sizes := [numTiers]int{SmallBufferSize, MediumBufferSize, LargeBufferSize}
	caps := [numTiers]int{smallCap, mediumCap, largeCap}

	for i := range p.tiers {
		c := caps[i]
		if c < 1 {
			c = 1
		}
		t := &bufferTier{
			size:  sizes[i],
			cap:   c,
			slots: make(chan struct{}, c),
			free:  make(chan []byte, c),
		}
		for n := 0; n < c; n++ {
			t.slots <- struct{}{}
		}
		p.tiers[i] = t
	}

	return p
}

// Acquire returns a buffer whose capacity is at least sizeHint, drawn
// from the smallest tier that fits. When the tier is at capacity the
// call waits up to AcquireTimeout for a release, then falls back to an
// overflow buffer (or a pool-exhausted error when overflow is
// disabled). Hints larger than the largest tier always produce an
// overflow buffer.
func (p *BufferPool) Acquire(sizeHint int) (*Buffer, error) {
	if sizeHint <= 0 {
		sizeHint = SmallBufferSize
	}

	idx := -1
	for i, t := range p.tiers {
		if sizeHint <= t.size {
			idx = i
			break
		}
	}
	if idx < 0 {
		// No tier fits; never pooled.
		return p.overflowBuffer(sizeHint)
	}

	t := p.tiers[idx]

	select {
	case <-t.slots:
	default:
		if p.AcquireTimeout <= 0 {
			return p.overflowBuffer(t.size)
		}
		timer := time.NewTimer(p.AcquireTimeout)
		defer timer.Stop()
		select {
		case <-t.slots:
		case <-timer.C:
			return p.overflowBuffer(t.size)
		}
	}

	var data []byte
	select {
	case data = <-t.free:
	default:
		data = make([]byte, t.size)
	}

	if p.Metrics != nil {
		p.Metrics.SetPoolOutstanding(tierNames[idx], t.outstanding())
	}

	return &Buffer{data: data, tier: idx}, nil
}

// Release returns a pooled buffer to its tier's free list. Overflow
// buffers are simply dropped for the garbage collector. Releasing nil
// is a no-op.
func (p *BufferPool) Release(b *Buffer) {
	if b == nil || b.data == nil {
		return
	}
	data := b.data
	b.data = nil

	if b.overflow {
		return
	}

	t := p.tiers[b.tier]
	t.free <- data
	t.slots <- struct{}{}

	if p.Metrics != nil {
		p.Metrics.SetPoolOutstanding(tierNames[b.tier], t.outstanding())
	}
}

func (p *BufferPool) overflowBuffer(size int) (*Buffer, error) {
	if !p.AllowOverflow {
		return nil, Errorf(KindPoolExhausted, "acquire buffer", "tier at capacity for %d byte request", size)
	}
	if p.Metrics != nil {
		p.Metrics.RecordPoolOverflow()
	}
	return &Buffer{data: make([]byte, size), tier: -1, overflow: true}, nil
}

func (t *bufferTier) outstanding() int {
	return t.cap - len(t.slots)
}

// TierStats is a point-in-time view of one buffer tier.
type TierStats struct {
	Name        string `json:"name"`
	BufferSize  int    `json:"buffer_size"`
	Capacity    int    `json:"capacity"`
	Outstanding int    `json:"outstanding"`
	Free        int    `json:"free"`
}

// Stats returns a snapshot of all tiers.
func (p *BufferPool) Stats() []TierStats {
	stats := make([]TierStats, 0, numTiers)
	for i, t := range p.tiers {
		stats = append(stats, TierStats{
			Name:        tierNames[i],
			BufferSize:  t.size,
			Capacity:    t.cap,
			Outstanding: t.outstanding(),
			Free:        len(t.free),
		})
	}
	return stats
}

// Outstanding returns the number of checked-out pooled buffers in the
// tier holding buffers of at least sizeHint bytes. Used by tests to
// verify sessions return what they acquire.
func (p *BufferPool) Outstanding(sizeHint int) int {
	for _, t := range p.tiers {
		if sizeHint <= t.size {
			return t.outstanding()
		}
	}
	return 0
}
