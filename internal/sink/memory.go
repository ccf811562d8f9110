package sink

import (
	"bytes"
	"sync"

	"github.com/audiolibrelab/pagecapture/internal/pager"
)

// Memory keeps every page it receives.
type Memory struct {
	mu    sync.Mutex
	pages []pager.Page
}

func (m *Memory) Write(p pager.Page) {
	m.mu.Lock()
	m.pages = append(m.pages, p)
	m.mu.Unlock()
}

// Pages returns the received pages in order.
func (m *Memory) Pages() []pager.Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pager.Page(nil), m.pages...)
}

// Bytes concatenates every received page.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var buf bytes.Buffer
	for _, p := range m.pages {
		for _, c := range p.Chunks {
			buf.Write(c)
		}
	}
	return buf.Bytes()
}

func (m *Memory) Reset() {
	m.mu.Lock()
	m.pages = nil
	m.mu.Unlock()
}

// Tee delivers every page to each non-nil sink in order.
func Tee(sinks ...pager.Sink) pager.Sink {
	var live []pager.Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return func(p pager.Page) {
		for _, s := range live {
			s(p)
		}
	}
}
