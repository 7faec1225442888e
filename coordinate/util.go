package coordinate

import (
	"sync"

	"golang.org/x/exp/slices"
)

type callbackEntry[T any] struct {
	callbackId Id
	callback   T
}

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex   sync.Mutex
	entries []*callbackEntry[T]
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		entries: []*callbackEntry[T]{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, len(self.entries))
	for i, entry := range self.entries {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) Id {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry := &callbackEntry[T]{
		callbackId: NewId(),
		callback:   callback,
	}
	nextEntries := slices.Clone(self.entries)
	nextEntries = append(nextEntries, entry)
	self.entries = nextEntries
	return entry.callbackId
}

func (self *CallbackList[T]) Remove(callbackId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.entries, func(entry *callbackEntry[T]) bool {
		return entry.callbackId == callbackId
	})
	if i < 0 {
		// not present
		return
	}
	nextEntries := slices.Clone(self.entries)
	nextEntries = slices.Delete(nextEntries, i, i+1)
	self.entries = nextEntries
}

// closes the current notify channel on update and creates a new one,
// so all current waiters observe the event
type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.update
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.update)
	self.update = make(chan struct{})
}
