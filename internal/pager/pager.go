// Package pager groups encoded chunks into bounded pages.
package pager

import (
	"bytes"
	"sync"
)

// Page is a flushed batch of encoded chunks. It must not be modified.
type Page struct {
	Index    int
	Chunks   [][]byte
	Streamed bool // emitted in stream mode
}

// Bytes concatenates the chunks.
func (p Page) Bytes() []byte {
	return bytes.Join(p.Chunks, nil)
}

// Len is the total number of encoded bytes.
func (p Page) Len() int {
	n := 0
	for _, c := range p.Chunks {
		n += len(c)
	}
	return n
}

// Sink receives every flushed page.
type Sink func(Page)

// Assembler accumulates chunks and flushes a page when it holds max chunks,
// or after every chunk in stream mode. Each flush calls rotate once.
type Assembler struct {
	max    int
	stream bool
	sink   Sink
	rotate func()

	mu     sync.Mutex
	chunks [][]byte
	pages  int
}

// New builds an Assembler. A nil sink discards pages; a nil rotate is a no-op.
func New(maxChunks int, stream bool, sink Sink, rotate func()) *Assembler {
	if maxChunks < 1 {
		maxChunks = 1
	}
	return &Assembler{max: maxChunks, stream: stream, sink: sink, rotate: rotate}
}

// Push appends one chunk and flushes when the page is complete.
func (a *Assembler) Push(chunk []byte) {
	a.mu.Lock()
	a.chunks = append(a.chunks, chunk)
	full := a.stream || len(a.chunks) >= a.max
	var page Page
	if full {
		page = a.take()
	}
	a.mu.Unlock()

	if full {
		a.deliver(page)
	}
}

// Finalize flushes a partial page. An empty page is never emitted.
func (a *Assembler) Finalize() {
	a.mu.Lock()
	if len(a.chunks) == 0 {
		a.mu.Unlock()
		return
	}
	page := a.take()
	a.mu.Unlock()

	a.deliver(page)
}

// Pages is the number of pages emitted so far.
func (a *Assembler) Pages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pages
}

// Buffered is the number of chunks in the current page.
func (a *Assembler) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.chunks)
}

// Reset drops buffered chunks and restarts page numbering.
func (a *Assembler) Reset() {
	a.mu.Lock()
	a.chunks = nil
	a.pages = 0
	a.mu.Unlock()
}

func (a *Assembler) take() Page {
	page := Page{Index: a.pages, Chunks: a.chunks, Streamed: a.stream}
	a.chunks = nil
	a.pages++
	return page
}

func (a *Assembler) deliver(page Page) {
	if a.sink != nil {
		a.sink(page)
	}
	if a.rotate != nil {
		a.rotate()
	}
}
