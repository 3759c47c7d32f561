package pcm

import (
	"sync"
)

// BufferPool manages reusable byte slices for the audio copies made at
// the fan-out boundary. The router takes one buffer per delivered frame
// and returns it once the sink is done with it.
type BufferPool struct {
	pool sync.Pool
}

// NewBufferPool creates a new buffer pool.
func NewBufferPool(initialSize int) *BufferPool {
	return &BufferPool{
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, initialSize)
			},
		},
	}
}

// Get retrieves a buffer of at least minSize bytes from the pool.
func (p *BufferPool) Get(minSize int) []byte {
	buf := p.pool.Get().([]byte)
	if cap(buf) < minSize {
		return make([]byte, minSize)
	}
	return buf[:minSize]
}

// Put returns a buffer to the pool.
func (p *BufferPool) Put(buf []byte) {
	buf = buf[:cap(buf)]
	p.pool.Put(buf)
}

// framePool backs GetBuffer/PutBuffer. 4 KB covers a 20 ms mixed-audio
// frame at every supported rate.
var framePool = NewBufferPool(4096)

// GetBuffer gets a buffer from the shared frame pool.
func GetBuffer(size int) []byte {
	return framePool.Get(size)
}

// PutBuffer returns a buffer to the shared frame pool.
func PutBuffer(buf []byte) {
	framePool.Put(buf)
}
