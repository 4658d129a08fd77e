package termstore

import (
	"sync"

	"github.com/i5heu/termstore/pkg/types"
)

// WriteListener is notified of every successful write and of every completed
// sync. Listeners are called synchronously and must not call back into the
// store's write path.
type WriteListener interface {
	WriteData(c types.Chronology)
	Sync()
}

type listeners struct {
	mu   sync.RWMutex
	list []WriteListener
}

func (l *listeners) add(w WriteListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = append(l.list, w)
}

func (l *listeners) snapshot() []WriteListener {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.list
}

func (l *listeners) writeData(c types.Chronology) {
	for _, w := range l.snapshot() {
		w.WriteData(c)
	}
}

func (l *listeners) sync() {
	for _, w := range l.snapshot() {
		w.Sync()
	}
}
