// Package transcript accumulates recognized text in emission order.
package transcript

import (
	"strings"
	"sync"
)

// Accumulator collects final recognition segments into an append-only
// transcript. Interim text is tracked separately for transient display and is
// never part of the accumulated transcript.
type Accumulator struct {
	mu      sync.Mutex
	finals  []string
	interim string
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// AppendFinal commits one final segment. Empty segments are dropped and any
// pending interim text is superseded.
func (a *Accumulator) AppendFinal(text string) {
	text = strings.TrimSpace(text)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interim = ""
	if text == "" {
		return
	}
	a.finals = append(a.finals, text)
}

// SetInterim replaces the transient interim text.
func (a *Accumulator) SetInterim(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interim = strings.TrimSpace(text)
}

// Interim returns the current transient interim text.
func (a *Accumulator) Interim() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interim
}

// Text joins the committed segments in emission order.
func (a *Accumulator) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.Join(a.finals, " ")
}

// Len returns the committed transcript length in bytes.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.finals) == 0 {
		return 0
	}
	n := len(a.finals) - 1 // joining spaces
	for _, segment := range a.finals {
		n += len(segment)
	}
	return n
}
