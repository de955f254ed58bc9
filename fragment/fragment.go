// Package fragment implements the application-level fragmentation layer
// that splits oversize MJPEG frames into sub-MTU pieces and reassembles
// them in any arrival order, bounding memory against the 8-bit fragment
// identifier's fast wraparound at HD rates.
package fragment

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// HeaderSize is the fixed on-wire size of a Header.
const HeaderSize = 10

// flagMoreFragments is bit 0 of the header's flags byte.
const flagMoreFragments = 0x01

// Header is the fixed 10-byte fragmentation header prepended to every
// fragment payload when a frame has been split.
type Header struct {
	MoreFragments  bool
	FragmentID     uint8
	FragmentOffset uint32
	FrameSize      uint32
}

// Encode packs the header into its 10-byte wire form: flags, fragment
// id, offset, frame size, all big-endian.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	if h.MoreFragments {
		buf[0] = flagMoreFragments
	}
	buf[1] = h.FragmentID
	binary.BigEndian.PutUint32(buf[2:6], h.FragmentOffset)
	binary.BigEndian.PutUint32(buf[6:10], h.FrameSize)
	return buf
}

// DecodeHeader parses the first HeaderSize bytes of buf as a Header.
// It reports false if buf is too short.
func DecodeHeader(buf []byte) (Header, bool) {
	if len(buf) < HeaderSize {
		return Header{}, false
	}
	return Header{
		MoreFragments:  buf[0]&flagMoreFragments != 0,
		FragmentID:     buf[1],
		FragmentOffset: binary.BigEndian.Uint32(buf[2:6]),
		FrameSize:      binary.BigEndian.Uint32(buf[6:10]),
	}, true
}

// SelfConsistent reports whether a fragment carrying this header and
// the given payload length is internally consistent: the fragment
// must not claim to extend past the frame it belongs to.
func (h Header) SelfConsistent(payloadLen int) bool {
	return uint64(h.FragmentOffset)+uint64(payloadLen) <= uint64(h.FrameSize)
}

// Fragment is one (header, payload) pair as produced by Split.
type Fragment struct {
	Header  Header
	Payload []byte
}

// MaxPayload returns the largest fragment payload that fits in an MTU
// once the RTP header and fragmentation header are accounted for.
func MaxPayload(mtu, rtpHeaderSize int) int {
	return mtu - rtpHeaderSize - HeaderSize
}

// Split divides data into fragments of at most maxPayload bytes each,
// tiling [0, len(data)) contiguously. A frame that already fits in one
// fragment produces exactly one (header, payload) pair with
// MoreFragments=false and offset 0.
func Split(data []byte, frameID uint32, maxPayload int) []Fragment {
	fragID := uint8(frameID % 256)
	frameSize := uint32(len(data))

	if len(data) <= maxPayload {
		return []Fragment{{
			Header: Header{
				MoreFragments:  false,
				FragmentID:     fragID,
				FragmentOffset: 0,
				FrameSize:      frameSize,
			},
			Payload: data,
		}}
	}

	var out []Fragment
	offset := 0
	for offset < len(data) {
		chunkSize := maxPayload
		if offset+chunkSize > len(data) {
			chunkSize = len(data) - offset
		}
		more := offset+chunkSize < len(data)

		out = append(out, Fragment{
			Header: Header{
				MoreFragments:  more,
				FragmentID:     fragID,
				FragmentOffset: uint32(offset),
				FrameSize:      frameSize,
			},
			Payload: data[offset : offset+chunkSize],
		})

		offset += chunkSize
	}
	return out
}

// entry tracks the fragments received so far for one fragment_id.
type entry struct {
	parts     map[uint32][]byte
	frameSize uint32
	hasTail   bool
}

// ErrFrameSizeMismatch is returned by AddFragment when a fragment
// claims a frame_size that contradicts an in-progress entry. It is a
// soft error: the fragment is dropped and the entry is left intact.
var ErrFrameSizeMismatch = fmt.Errorf("fragment: frame_size mismatch with in-progress entry")

// Reassembler reassembles fragments keyed by fragment_id, bounding the
// number of live entries so the aliasing 8-bit identifier space cannot
// grow memory without limit.
type Reassembler struct {
	capacity int
	order    []uint8 // fragment ids in first-seen order, for capacity eviction
	entries  map[uint8]*entry
}

// NewReassembler returns a Reassembler that holds at most capacity
// incomplete entries at a time, evicting the oldest on overflow.
func NewReassembler(capacity int) *Reassembler {
	if capacity <= 0 {
		capacity = 1
	}
	return &Reassembler{
		capacity: capacity,
		entries:  make(map[uint8]*entry),
	}
}

// AddFragment stores a fragment's payload and reports whether the
// frame is now complete. Completion requires both that the tail
// fragment has arrived and that the stored byte total reaches
// frame_size; on completion the payloads are concatenated in
// ascending-offset order, trimmed to exactly frame_size, and the entry
// is removed. Duplicate offsets overwrite the earlier payload.
func (r *Reassembler) AddFragment(h Header, payload []byte) ([]byte, error) {
	e, ok := r.entries[h.FragmentID]
	if !ok {
		e = &entry{
			parts:     make(map[uint32][]byte),
			frameSize: h.FrameSize,
		}
		r.entries[h.FragmentID] = e
		r.order = append(r.order, h.FragmentID)
		r.evictIfOverCapacity()
	}

	if e.frameSize != h.FrameSize {
		return nil, ErrFrameSizeMismatch
	}

	e.parts[h.FragmentOffset] = payload
	if !h.MoreFragments {
		e.hasTail = true
	}

	if !e.hasTail {
		return nil, nil
	}

	total := 0
	for _, p := range e.parts {
		total += len(p)
	}
	if uint32(total) < e.frameSize {
		return nil, nil
	}

	offsets := make([]uint32, 0, len(e.parts))
	for off := range e.parts {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	frame := make([]byte, 0, e.frameSize)
	for _, off := range offsets {
		frame = append(frame, e.parts[off]...)
	}
	if uint32(len(frame)) > e.frameSize {
		frame = frame[:e.frameSize]
	}

	delete(r.entries, h.FragmentID)
	r.removeFromOrder(h.FragmentID)

	return frame, nil
}

// Pending returns the number of incomplete entries currently held.
func (r *Reassembler) Pending() int {
	return len(r.entries)
}

// evictIfOverCapacity drops the oldest incomplete entry once the
// table exceeds its configured capacity.
func (r *Reassembler) evictIfOverCapacity() {
	for len(r.entries) > r.capacity && len(r.order) > 0 {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.entries, oldest)
	}
}

func (r *Reassembler) removeFromOrder(id uint8) {
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
