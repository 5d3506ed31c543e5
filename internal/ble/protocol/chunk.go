package protocol

import (
	"errors"
	"fmt"
)

// DefaultMTU is the usable ATT payload for a link that never negotiated a
// larger MTU (23-byte ATT MTU minus 3 bytes of opcode and handle).
const DefaultMTU = 20

// maxFragments is bounded by the 7-bit index in the fragment header.
const maxFragments = 128

const finalFlag = 0x80

// Fragment splits frame into writes of at most mtu bytes. Each write starts
// with a header byte: bit 7 marks the final fragment, bits 0-6 carry the
// fragment index. Returns nil for an empty frame.
func Fragment(frame []byte, mtu int) ([][]byte, error) {
	if len(frame) == 0 {
		return nil, nil
	}
	if mtu < 2 {
		return nil, fmt.Errorf("protocol: mtu must be at least 2, got %d", mtu)
	}
	per := mtu - 1
	count := (len(frame) + per - 1) / per
	if count > maxFragments {
		return nil, fmt.Errorf("protocol: frame of %d bytes needs %d fragments, max %d", len(frame), count, maxFragments)
	}

	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * per
		end := start + per
		if end > len(frame) {
			end = len(frame)
		}
		header := byte(i)
		if i == count-1 {
			header |= finalFlag
		}
		frag := make([]byte, 0, end-start+1)
		frag = append(frag, header)
		frag = append(frag, frame[start:end]...)
		out = append(out, frag)
	}
	return out, nil
}

// ErrFragmentOrder is returned when a fragment arrives out of sequence.
// The partial frame is discarded.
var ErrFragmentOrder = errors.New("protocol: fragment out of order")

// Reassembler joins fragments produced by Fragment. Not safe for concurrent
// use; notifications for one characteristic arrive serially.
type Reassembler struct {
	buf  []byte
	next int
}

// Push adds one fragment. It returns the complete frame once the final
// fragment arrives, or nil while more fragments are expected.
func (r *Reassembler) Push(frag []byte) ([]byte, error) {
	if len(frag) == 0 {
		return nil, errors.New("protocol: empty fragment")
	}
	idx := int(frag[0] &^ finalFlag)
	if idx == 0 {
		// A new frame always restarts assembly, even mid-frame.
		r.Reset()
	} else if idx != r.next {
		r.Reset()
		return nil, fmt.Errorf("%w: got %d, want %d", ErrFragmentOrder, idx, r.next)
	}
	r.buf = append(r.buf, frag[1:]...)
	r.next++

	if frag[0]&finalFlag == 0 {
		return nil, nil
	}
	frame := r.buf
	r.buf = nil
	r.next = 0
	return frame, nil
}

// Reset drops any partial frame.
func (r *Reassembler) Reset() {
	r.buf = nil
	r.next = 0
}
