// pool.go: Scratch buffer pooling for key derivation, padding and digest
// verification.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package usm

import (
	"sync"
)

const (
	smallBufferSize  = 64       // one password-to-key chunk, one hash block
	mediumBufferSize = 512      // typical SNMP message
	largeBufferSize  = 4 * 1024 // large GETBULK responses
)

var (
	smallBufferPool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, smallBufferSize)
			return &buf
		},
	}

	mediumBufferPool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, mediumBufferSize)
			return &buf
		},
	}

	largeBufferPool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, largeBufferSize)
			return &buf
		},
	}
)

// getBuffer retrieves a buffer of exactly size bytes. Contents are zero.
func getBuffer(size int) *[]byte {
	switch {
	case size <= smallBufferSize:
		buf := smallBufferPool.Get().(*[]byte)
		*buf = (*buf)[:size]
		return buf
	case size <= mediumBufferSize:
		buf := mediumBufferPool.Get().(*[]byte)
		*buf = (*buf)[:size]
		return buf
	case size <= largeBufferSize:
		buf := largeBufferPool.Get().(*[]byte)
		*buf = (*buf)[:size]
		return buf
	default:
		buf := make([]byte, size)
		return &buf
	}
}

// putBuffer wipes a buffer and returns it to its pool. Buffers may hold
// key-dependent data, so they are always cleared over their full capacity.
func putBuffer(buf *[]byte) {
	if buf == nil {
		return
	}
	full := (*buf)[:cap(*buf)]
	clearBuffer(full)

	switch cap(*buf) {
	case smallBufferSize:
		smallBufferPool.Put(buf)
	case mediumBufferSize:
		mediumBufferPool.Put(buf)
	case largeBufferSize:
		largeBufferPool.Put(buf)
	}
}

func clearBuffer(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}

// WarmupPools pre-allocates count buffers per size class.
func WarmupPools(count int) {
	bufs := make([]*[]byte, 0, 3*count)
	for i := 0; i < count; i++ {
		bufs = append(bufs,
			getBuffer(smallBufferSize),
			getBuffer(mediumBufferSize),
			getBuffer(largeBufferSize))
	}
	for _, b := range bufs {
		putBuffer(b)
	}
}
