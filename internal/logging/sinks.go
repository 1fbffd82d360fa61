package logging

import (
	"io"
	"reflect"
	"sync"

	"github.com/rs/zerolog"
)

// Broadcaster fans every written log line out to the registered sinks.
// A failing sink never blocks or fails the others.
type Broadcaster struct {
	mu    sync.RWMutex
	sinks []io.Writer
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// AddSink registers w once; adding the same sink again is a no-op.
func (b *Broadcaster) AddSink(w io.Writer) {
	if w == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sinks {
		if sameSink(s, w) {
			return
		}
	}
	b.sinks = append(b.sinks, w)
}

// RemoveSink unregisters w if present.
func (b *Broadcaster) RemoveSink(w io.Writer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.sinks[:0]
	for _, s := range b.sinks {
		if !sameSink(s, w) {
			out = append(out, s)
		}
	}
	b.sinks = out
}

func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sinks)
}

func (b *Broadcaster) Write(p []byte) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.sinks {
		_, _ = s.Write(p)
	}
	return len(p), nil
}

// WriteLevel implements zerolog.LevelWriter.
func (b *Broadcaster) WriteLevel(_ zerolog.Level, p []byte) (int, error) {
	return b.Write(p)
}

func sameSink(a, b io.Writer) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
