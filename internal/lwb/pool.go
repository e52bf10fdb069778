package lwb

import "sync"

// Size-bucketed buffer pool for lwb backing buffers: the predictor almost
// always asks for one of a handful of sizes (max block size, or a fraction
// of it), so a small number of power-of-2 buckets absorbs the hot path
// without the overprovisioning a single large bucket would cost.
const (
	size16k  = 16 * 1024
	size32k  = 32 * 1024
	size64k  = 64 * 1024
	size128k = 128 * 1024
	size256k = 256 * 1024
)

var bufferPool = struct {
	p16k, p32k, p64k, p128k, p256k sync.Pool
}{
	p16k:  sync.Pool{New: func() any { b := make([]byte, size16k); return &b }},
	p32k:  sync.Pool{New: func() any { b := make([]byte, size32k); return &b }},
	p64k:  sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
	p128k: sync.Pool{New: func() any { b := make([]byte, size128k); return &b }},
	p256k: sync.Pool{New: func() any { b := make([]byte, size256k); return &b }},
}

// GetBuffer returns a pooled buffer of at least size bytes, sliced to
// exactly size. Callers needing more than 256k get a fresh, unpooled
// allocation (blocks that large are rare enough not to warrant a bucket).
func GetBuffer(size uint32) []byte {
	switch {
	case size <= size16k:
		return (*bufferPool.p16k.Get().(*[]byte))[:size]
	case size <= size32k:
		return (*bufferPool.p32k.Get().(*[]byte))[:size]
	case size <= size64k:
		return (*bufferPool.p64k.Get().(*[]byte))[:size]
	case size <= size128k:
		return (*bufferPool.p128k.Get().(*[]byte))[:size]
	case size <= size256k:
		return (*bufferPool.p256k.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// PutBuffer returns buf to the pool it came from, determined by capacity.
// Buffers of non-standard capacity (the >256k fallback) are simply
// dropped.
func PutBuffer(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size16k:
		bufferPool.p16k.Put(&buf)
	case size32k:
		bufferPool.p32k.Put(&buf)
	case size64k:
		bufferPool.p64k.Put(&buf)
	case size128k:
		bufferPool.p128k.Put(&buf)
	case size256k:
		bufferPool.p256k.Put(&buf)
	}
}
