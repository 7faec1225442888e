package coordinate

import (
	"context"
	"sync"
	"time"
)

// visible state of one read binding. owned exclusively by one binding
// instance, never shared across instances even when they share a key.
// invariant: `IsLoading` only while `Data` is still nil;
// `IsValidating` may be true alongside non-nil `Data` (stale-while-revalidate).
type BindingState[T any] struct {
	Data         *T
	Err          error
	IsLoading    bool
	IsValidating bool
}

type ReadStateFunction[T any] func(state BindingState[T])

type ReadBindingSettings[T any] struct {
	InitialValue        *T
	FetchImmediately    bool
	RevalidateOnVisible bool
	// 0 disables interval revalidation
	RevalidateInterval time.Duration
	SuccessCallback    func(value *T)
	ErrorCallback      func(err error)
	// must be pure with respect to its input - the input value is the
	// shared outcome observed by every reader of the key
	Transform func(value *T) *T

	Clock            Clock
	VisibilitySource VisibilitySource
}

func DefaultReadBindingSettings[T any]() *ReadBindingSettings[T] {
	return &ReadBindingSettings[T]{
		FetchImmediately: true,
		Clock:            NewSystemClock(),
		VisibilitySource: NewStaticVisibilitySource(),
	}
}

// binds one ui unit to a resource key through the dedup cache.
//
// revalidation triggers: explicit `Refetch`, key change via `SetKey`,
// hidden-to-visible transition (when enabled), a wall-clock interval
// (when enabled), and an attached push channel.
//
// known limitation: dedup happens before any per-instance cancellation
// point, so a binding that closes mid-flight stops writing its own state
// but does not abort the underlying read. there is no per-key sequence
// token - a slower superseded fetch that settles after a faster, newer
// one for the same key overwrites the newer result. consumers rely on
// last-settled-wins; do not change this without flagging it.
type ReadBinding[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	api      *ShelfApi
	cache    *DedupCache
	settings *ReadBindingSettings[T]

	mutex        sync.Mutex
	key          ResourceKey
	data         *T
	err          error
	isLoading    bool
	isValidating bool
	visible      bool

	unsubVisibility func()

	push      *PushRevalidator
	unsubPush func()

	stateCallbacks *CallbackList[ReadStateFunction[T]]
}

func NewReadBindingWithDefaults[T any](ctx context.Context, api *ShelfApi, cache *DedupCache, key ResourceKey) *ReadBinding[T] {
	return NewReadBinding[T](ctx, api, cache, key, DefaultReadBindingSettings[T]())
}

func NewReadBinding[T any](ctx context.Context, api *ShelfApi, cache *DedupCache, key ResourceKey, settings *ReadBindingSettings[T]) *ReadBinding[T] {
	cancelCtx, cancel := context.WithCancel(ctx)

	binding := &ReadBinding[T]{
		ctx:            cancelCtx,
		cancel:         cancel,
		api:            api,
		cache:          cache,
		settings:       settings,
		key:            key,
		data:           settings.InitialValue,
		visible:        true,
		stateCallbacks: NewCallbackList[ReadStateFunction[T]](),
	}

	binding.unsubVisibility = settings.VisibilitySource.AddVisibilityCallback(binding.visibilityChanged)

	if 0 < settings.RevalidateInterval {
		go binding.intervalLoop()
	}

	if settings.FetchImmediately && key != "" {
		binding.Refetch()
	}

	return binding
}

func (self *ReadBinding[T]) State() BindingState[T] {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.stateLocked()
}

func (self *ReadBinding[T]) stateLocked() BindingState[T] {
	return BindingState[T]{
		Data:         self.data,
		Err:          self.err,
		IsLoading:    self.isLoading,
		IsValidating: self.isValidating,
	}
}

// the returned function unsubscribes
func (self *ReadBinding[T]) AddStateCallback(stateCallback ReadStateFunction[T]) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *ReadBinding[T]) notifyState(state BindingState[T]) {
	for _, stateCallback := range self.stateCallbacks.Get() {
		stateCallback := stateCallback
		HandleError(func() {
			stateCallback(state)
		})
	}
}

// revalidates through the dedup cache. concurrent refetches of the same
// key system-wide share one network read and observe the identical outcome.
func (self *ReadBinding[T]) Refetch() {
	self.mutex.Lock()
	key := self.key
	if key == "" || self.ctx.Err() != nil {
		self.mutex.Unlock()
		return
	}
	self.isValidating = true
	if self.data == nil {
		self.isLoading = true
	}
	state := self.stateLocked()
	self.mutex.Unlock()
	self.notifyState(state)

	// the fetch runs on the api context, not the binding context,
	// so closing this binding does not abort a read shared with others
	fetch := self.cache.Acquire(key, func() (any, error) {
		var result T
		return get(self.api.ctx, self.api, key, &result, NewNoopApiCallback[*T]())
	})

	go HandleError(func() {
		outcome := TypedOutcome[T](self.ctx, fetch)
		self.applyOutcome(key, outcome)
	})
}

func (self *ReadBinding[T]) applyOutcome(key ResourceKey, outcome FetchOutcome[T]) {
	if self.ctx.Err() != nil {
		// closed mid-flight, stop writing to this binding's state
		return
	}
	err := outcome.Err
	if IsCanceled(err) {
		return
	}

	self.mutex.Lock()
	if self.key != key {
		// the key changed while this fetch was in flight
		self.mutex.Unlock()
		return
	}
	if err == nil {
		next := outcome.Value
		if self.settings.Transform != nil {
			next = self.settings.Transform(next)
		}
		self.data = next
		self.err = nil
	} else {
		// stale data stays visible
		self.err = err
	}
	self.isLoading = false
	self.isValidating = false
	state := self.stateLocked()
	self.mutex.Unlock()

	if err == nil {
		if successCallback := self.settings.SuccessCallback; successCallback != nil {
			HandleError(func() {
				successCallback(state.Data)
			})
		}
	} else {
		if errorCallback := self.settings.ErrorCallback; errorCallback != nil {
			HandleError(func() {
				errorCallback(err)
			})
		}
	}
	self.notifyState(state)
}

// overwrites local data synchronously with no network call,
// used for optimistic patches driven by a sibling write
func (self *ReadBinding[T]) Mutate(updater func(value *T) *T) {
	self.mutex.Lock()
	self.data = updater(self.data)
	state := self.stateLocked()
	self.mutex.Unlock()
	self.notifyState(state)
}

// changing the key resets state and revalidates.
// the empty key disables fetching.
func (self *ReadBinding[T]) SetKey(key ResourceKey) {
	self.mutex.Lock()
	if self.key == key {
		self.mutex.Unlock()
		return
	}
	self.key = key
	self.data = self.settings.InitialValue
	self.err = nil
	self.isLoading = false
	self.isValidating = false
	state := self.stateLocked()
	self.mutex.Unlock()
	self.notifyState(state)
	self.resubscribePush()

	if key != "" {
		self.Refetch()
	}
}

func (self *ReadBinding[T]) Key() ResourceKey {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.key
}

func (self *ReadBinding[T]) Reset() {
	self.mutex.Lock()
	self.data = self.settings.InitialValue
	self.err = nil
	self.isLoading = false
	self.isValidating = false
	state := self.stateLocked()
	self.mutex.Unlock()
	self.notifyState(state)
}

// registers this binding's key with a push channel and follows key changes.
// the returned function detaches.
func (self *ReadBinding[T]) AttachPush(push *PushRevalidator) func() {
	self.mutex.Lock()
	self.push = push
	self.mutex.Unlock()
	self.resubscribePush()

	return func() {
		self.mutex.Lock()
		self.push = nil
		unsubPush := self.unsubPush
		self.unsubPush = nil
		self.mutex.Unlock()
		if unsubPush != nil {
			unsubPush()
		}
	}
}

// moves the push subscription to the current key.
// the old key's invalidations stop reaching this binding.
func (self *ReadBinding[T]) resubscribePush() {
	self.mutex.Lock()
	push := self.push
	key := self.key
	unsubPush := self.unsubPush
	self.unsubPush = nil
	self.mutex.Unlock()

	if unsubPush != nil {
		unsubPush()
	}
	if push == nil || key == "" {
		return
	}

	self.mutex.Lock()
	self.unsubPush = push.AddRevalidateCallback(key, func() {
		self.Refetch()
	})
	self.mutex.Unlock()
}

func (self *ReadBinding[T]) visibilityChanged(visible bool) {
	self.mutex.Lock()
	wasVisible := self.visible
	self.visible = visible
	self.mutex.Unlock()

	if !wasVisible && visible && self.settings.RevalidateOnVisible {
		self.Refetch()
	}
}

func (self *ReadBinding[T]) intervalLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.settings.Clock.After(self.settings.RevalidateInterval):
			self.Refetch()
		}
	}
}

// unmounts the binding. in-flight fetches settle in the cache as usual
// but no longer write to this binding's state.
func (self *ReadBinding[T]) Close() {
	self.cancel()
	if self.unsubVisibility != nil {
		self.unsubVisibility()
	}

	self.mutex.Lock()
	self.push = nil
	unsubPush := self.unsubPush
	self.unsubPush = nil
	self.mutex.Unlock()
	if unsubPush != nil {
		unsubPush()
	}
}
