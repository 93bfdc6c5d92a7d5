package kfmt

import "io"

// ringBufferSize defines the capacity of the early print buffer. It must be a
// power of 2.
const ringBufferSize = 4096

// ringBuffer is a fixed-size byte ring. Once full, new writes overwrite the
// oldest unread bytes.
type ringBuffer struct {
	buffer [ringBufferSize]byte

	// head is the index of the next byte to read and count the number of
	// unread bytes.
	head, count int
}

// Write appends p to the ring, discarding the oldest bytes on overflow.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		tail := (rb.head + rb.count) & (ringBufferSize - 1)
		rb.buffer[tail] = b
		if rb.count == ringBufferSize {
			rb.head = (rb.head + 1) & (ringBufferSize - 1)
		} else {
			rb.count++
		}
	}

	return len(p), nil
}

// Read drains up to len(p) unread bytes into p. It returns io.EOF once the
// ring is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.count == 0 {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && rb.count > 0 {
		// copy the contiguous run up to the end of the backing array
		run := ringBufferSize - rb.head
		if run > rb.count {
			run = rb.count
		}
		copied := copy(p[n:], rb.buffer[rb.head:rb.head+run])

		n += copied
		rb.count -= copied
		rb.head = (rb.head + copied) & (ringBufferSize - 1)
	}

	return n, nil
}

// Len returns the number of unread bytes.
func (rb *ringBuffer) Len() int {
	return rb.count
}
