package frame

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/smallnest/ringbuffer"
)

// DefaultReassemblyBuffer holds a few maximum-size frames.
const DefaultReassemblyBuffer = 4 * (HeaderSize + MaxBodySize)

// ErrOverflow means a chunk did not fit into the reassembly buffer. The
// buffer is reset and reassembly resumes at the next magic byte.
var ErrOverflow = errors.New("frame: reassembly buffer overflow")

// Reassembler turns a stream of arbitrary chunks (BLE notifications, TCP
// reads) into whole frames.
type Reassembler struct {
	mu       sync.Mutex
	capacity int
	buf      *ringbuffer.RingBuffer

	header  [HeaderSize]byte
	haveHdr bool

	// Discarded counts bytes skipped while resynchronising.
	Discarded int
}

func NewReassembler(capacity int) *Reassembler {
	if capacity < HeaderSize+MaxBodySize {
		capacity = HeaderSize + MaxBodySize
	}
	return &Reassembler{capacity: capacity, buf: ringbuffer.New(capacity)}
}

// Feed appends chunk and returns every frame it completes. Malformed frames
// are skipped; their errors are returned alongside any good frames.
func (r *Reassembler) Feed(chunk []byte) ([]*Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(chunk) > r.buf.Free() {
		r.buf = ringbuffer.New(r.capacity)
		r.haveHdr = false
		return nil, ErrOverflow
	}
	if _, err := r.buf.Write(chunk); err != nil {
		r.buf = ringbuffer.New(r.capacity)
		r.haveHdr = false
		return nil, errors.Join(ErrOverflow, err)
	}

	var (
		frames []*Frame
		errs   []error
	)
	for {
		if !r.haveHdr {
			if !r.readHeader() {
				break
			}
		}
		n := int(binary.BigEndian.Uint16(r.header[2:4]))
		if r.buf.Length() < n {
			break
		}
		body := make([]byte, n)
		if n > 0 {
			if _, err := r.buf.Read(body); err != nil {
				errs = append(errs, err)
				break
			}
		}
		r.haveHdr = false

		f, err := decodeBody(r.header[1], body)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		frames = append(frames, f)
	}
	return frames, errors.Join(errs...)
}

// readHeader consumes bytes up to and including a complete header, skipping
// anything before a magic byte.
func (r *Reassembler) readHeader() bool {
	one := make([]byte, 1)
	for r.buf.Length() >= HeaderSize {
		if _, err := r.buf.Read(one); err != nil {
			return false
		}
		if one[0] != Magic {
			r.Discarded++
			continue
		}
		r.header[0] = Magic
		if _, err := r.buf.Read(r.header[1:]); err != nil {
			return false
		}
		r.haveHdr = true
		return true
	}
	return false
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (r *Reassembler) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.buf.Length()
	if r.haveHdr {
		n += HeaderSize
	}
	return n
}
