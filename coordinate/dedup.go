package coordinate

import (
	"context"
	"fmt"
	"sync"
)

// one in-flight read shared by every concurrent reader of a key.
// carries no consumer-specific data - each reader applies its own transform
// to the identical settled value.
type SharedFetch struct {
	done  chan struct{}
	value any
	err   error
}

// waits for the fetch to settle. unmounting readers pass their own ctx
// so they stop waiting without aborting the underlying read.
func (self *SharedFetch) Outcome(ctx context.Context) (any, error) {
	select {
	case <-self.done:
		return self.value, self.err
	case <-ctx.Done():
		return nil, ErrCanceled
	}
}

// resolves a shared fetch into the typed outcome one reader consumes.
// a settled value of an unexpected type is reported as a ParseError.
func TypedOutcome[T any](ctx context.Context, fetch *SharedFetch) FetchOutcome[T] {
	value, err := fetch.Outcome(ctx)
	if err != nil {
		return FetchOutcome[T]{Err: err}
	}
	typedValue, ok := value.(*T)
	if !ok {
		return FetchOutcome[T]{
			Err: &ParseError{Cause: fmt.Errorf("shared outcome has unexpected type %T", value)},
		}
	}
	return FetchOutcome[T]{Value: typedValue}
}

func (self *SharedFetch) Settled() bool {
	select {
	case <-self.done:
		return true
	default:
		return false
	}
}

// process-wide store mapping a resource key to the single in-flight read
// for that key. explicitly constructed and injected, never a package-level
// singleton, so tests can instantiate isolated caches.
//
// entries are create-once/delete-on-settle: an entry exists exactly while
// the underlying read is pending, and is removed the instant it settles,
// success or failure. the cache never persists data.
type DedupCache struct {
	mutex   sync.Mutex
	fetches map[ResourceKey]*SharedFetch
}

func NewDedupCache() *DedupCache {
	return &DedupCache{
		fetches: map[ResourceKey]*SharedFetch{},
	}
}

// if an entry for `key` already exists, returns the same pending fetch;
// otherwise invokes `factory` on a new goroutine and stores the fetch.
// guarantee: at most one concurrent invocation of `factory` per key.
func (self *DedupCache) Acquire(key ResourceKey, factory func() (any, error)) *SharedFetch {
	self.mutex.Lock()
	if fetch, ok := self.fetches[key]; ok {
		self.mutex.Unlock()
		return fetch
	}
	fetch := &SharedFetch{
		done: make(chan struct{}),
	}
	self.fetches[key] = fetch
	self.mutex.Unlock()

	go func() {
		value, err := func() (value any, err error) {
			defer func() {
				if r := recover(); r != nil {
					value = nil
					err = fmt.Errorf("fetch panic: %v", r)
				}
			}()
			return factory()
		}()

		self.mutex.Lock()
		fetch.value = value
		fetch.err = err
		delete(self.fetches, key)
		self.mutex.Unlock()
		close(fetch.done)
	}()

	return fetch
}

func (self *DedupCache) Pending(key ResourceKey) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	_, ok := self.fetches[key]
	return ok
}

func (self *DedupCache) PendingCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.fetches)
}
