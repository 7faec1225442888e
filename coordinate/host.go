package coordinate

import (
	"sync"
	"time"
)

// capabilities the host environment provides.
// a browser host wires these to the page clock, local storage, and
// document visibility events; other hosts (and tests) substitute their own.

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type SystemClock struct{}

func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

func (self *SystemClock) Now() time.Time {
	return time.Now()
}

func (self *SystemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// durable string key-value storage, namespaced by fixed keys
type KeyValueStore interface {
	Get(key string) (string, bool)
	Set(key string, value string)
	Remove(key string)
}

type MemoryKeyValueStore struct {
	mutex  sync.Mutex
	values map[string]string
}

func NewMemoryKeyValueStore() *MemoryKeyValueStore {
	return &MemoryKeyValueStore{
		values: map[string]string{},
	}
}

func (self *MemoryKeyValueStore) Get(key string) (string, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	value, ok := self.values[key]
	return value, ok
}

func (self *MemoryKeyValueStore) Set(key string, value string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.values[key] = value
}

func (self *MemoryKeyValueStore) Remove(key string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.values, key)
}

type VisibilityFunction = func(visible bool)

// surfaces the hosting surface's hidden/visible transitions
type VisibilitySource interface {
	// the returned function unsubscribes
	AddVisibilityCallback(visibilityCallback VisibilityFunction) func()
}

// a host with no visibility signal, always visible
type StaticVisibilitySource struct{}

func NewStaticVisibilitySource() *StaticVisibilitySource {
	return &StaticVisibilitySource{}
}

func (self *StaticVisibilitySource) AddVisibilityCallback(visibilityCallback VisibilityFunction) func() {
	return func() {}
}
