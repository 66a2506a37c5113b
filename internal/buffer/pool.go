package buffer

import (
	"bytes"
	"sync"
)

// maxPooledSize caps the buffers kept for reuse; larger ones are left to the GC
const maxPooledSize = 64 * 1024

// Pool provides a pool of frame buffers for reuse
var Pool = sync.Pool{
	New: func() interface{} {
		// Legacy frames are small; 512 bytes covers nearly every chat event
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// Get retrieves an empty buffer from the pool
func Get() *bytes.Buffer {
	buf := Pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// Put returns a buffer to the pool
func Put(buf *bytes.Buffer) {
	if buf.Cap() <= maxPooledSize {
		Pool.Put(buf)
	}
}
