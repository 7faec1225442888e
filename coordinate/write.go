package coordinate

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

const defaultAttemptTimeout = 15 * time.Second
const maxAttemptTimeout = 60 * time.Second

// one network attempt of a logical mutation.
// `RequestId`/`IdempotencyKey` are generated once per logical mutation and
// reused verbatim across retries of that mutation. reusing the identity lets
// the backend treat a retried write as the same operation, which is the only
// safe way to retry a call whose first attempt may have landed server side
// before the client-visible timeout fired.
type MutationAttempt struct {
	RequestId      Id
	IdempotencyKey Id
	AttemptNumber  int
	Timeout        time.Duration
}

type WriteState[T any] struct {
	Result      *T
	Err         error
	IsExecuting bool
}

type WriteStateFunction[T any] func(state WriteState[T])

type WriteBindingSettings[A any, T any] struct {
	// per-attempt deadline, doubled (capped) for the single automatic retry
	AttemptTimeout time.Duration
	// may veto the call entirely
	PreFlight       func(endpoint string, args A) error
	SuccessCallback func(args A, result *T)
	ErrorCallback   func(args A, err error)
	SettledCallback func(args A)
}

func DefaultWriteBindingSettings[A any, T any]() *WriteBindingSettings[A, T] {
	return &WriteBindingSettings[A, T]{
		AttemptTimeout: defaultAttemptTimeout,
	}
}

// executes a single write operation with a generated idempotency identity,
// a per-attempt timeout, and a bounded retry policy.
//
// only a timeout of an endpoint declared idempotent on the api triggers the
// one automatic retry, with a doubled timeout and the same identity. any
// other timeout surfaces a TimeoutError carrying the identity and attempt
// count so the caller can resubmit explicitly. non-timeout failures (bad
// status, malformed response, failure envelope) are never retried.
type WriteBinding[A any, T any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	api      *ShelfApi
	settings *WriteBindingSettings[A, T]

	mutex       sync.Mutex
	result      *T
	err         error
	isExecuting bool

	stateCallbacks *CallbackList[WriteStateFunction[T]]
}

func NewWriteBindingWithDefaults[A any, T any](ctx context.Context, api *ShelfApi) *WriteBinding[A, T] {
	return NewWriteBinding[A, T](ctx, api, DefaultWriteBindingSettings[A, T]())
}

func NewWriteBinding[A any, T any](ctx context.Context, api *ShelfApi, settings *WriteBindingSettings[A, T]) *WriteBinding[A, T] {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WriteBinding[A, T]{
		ctx:            cancelCtx,
		cancel:         cancel,
		api:            api,
		settings:       settings,
		stateCallbacks: NewCallbackList[WriteStateFunction[T]](),
	}
}

func (self *WriteBinding[A, T]) State() WriteState[T] {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.stateLocked()
}

func (self *WriteBinding[A, T]) stateLocked() WriteState[T] {
	return WriteState[T]{
		Result:      self.result,
		Err:         self.err,
		IsExecuting: self.isExecuting,
	}
}

// the returned function unsubscribes
func (self *WriteBinding[A, T]) AddStateCallback(stateCallback WriteStateFunction[T]) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *WriteBinding[A, T]) notifyState() {
	self.mutex.Lock()
	state := self.stateLocked()
	self.mutex.Unlock()
	for _, stateCallback := range self.stateCallbacks.Get() {
		stateCallback := stateCallback
		HandleError(func() {
			stateCallback(state)
		})
	}
}

func (self *WriteBinding[A, T]) Reset() {
	self.mutex.Lock()
	self.result = nil
	self.err = nil
	self.isExecuting = false
	self.mutex.Unlock()
	self.notifyState()
}

func (self *WriteBinding[A, T]) ExecuteOrErr(endpoint string, args A) (*T, error) {
	if preFlight := self.settings.PreFlight; preFlight != nil {
		if err := preFlight(endpoint, args); err != nil {
			return nil, self.settle(args, nil, err)
		}
	}

	self.mutex.Lock()
	self.isExecuting = true
	self.mutex.Unlock()
	self.notifyState()

	// identity for this logical mutation, stable across retries
	requestId := NewId()
	idempotencyKey := NewId()

	timeout := self.settings.AttemptTimeout
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}

	attemptNumber := 0
	for {
		attemptNumber += 1
		attempt := &MutationAttempt{
			RequestId:      requestId,
			IdempotencyKey: idempotencyKey,
			AttemptNumber:  attemptNumber,
			Timeout:        timeout,
		}
		glog.V(1).Infof("[w]%s attempt=%d request_id=%s\n", endpoint, attemptNumber, requestId)

		attemptCtx, attemptCancel := context.WithTimeout(self.ctx, timeout)
		var result T
		value, err := post(attemptCtx, self.api, endpoint, args, attempt, &result, NewNoopApiCallback[*T]())
		attemptCancel()

		if err == nil {
			self.settle(args, value, nil)
			return value, nil
		}

		if self.ctx.Err() != nil {
			return nil, self.settle(args, nil, ErrCanceled)
		}

		if !isAttemptTimeout(err) {
			return nil, self.settle(args, nil, err)
		}

		// the attempt timed out. the write may have landed server side,
		// so only an idempotent-by-design endpoint is retried, once.
		if attemptNumber == 1 && self.api.IsIdempotent(endpoint) {
			timeout = 2 * timeout
			if maxAttemptTimeout < timeout {
				timeout = maxAttemptTimeout
			}
			glog.Infof("[w]%s timeout, retrying with identity %s timeout=%s\n", endpoint, idempotencyKey, timeout)
			continue
		}

		timeoutErr := &TimeoutError{
			RequestId:      requestId,
			IdempotencyKey: idempotencyKey,
			AttemptCount:   attemptNumber,
			Retried:        1 < attemptNumber,
			SafeToResubmit: true,
		}
		glog.Infof("[w]%s %s\n", endpoint, timeoutErr)
		return nil, self.settle(args, nil, timeoutErr)
	}
}

func (self *WriteBinding[A, T]) ExecuteOrNil(endpoint string, args A) *T {
	value, err := self.ExecuteOrErr(endpoint, args)
	if err != nil {
		return nil
	}
	return value
}

func (self *WriteBinding[A, T]) Execute(endpoint string, args A, callback apiCallback[*T]) {
	go HandleError(func() {
		value, err := self.ExecuteOrErr(endpoint, args)
		callback.Result(value, err)
	})
}

// records the settled outcome and dispatches callbacks with the original
// variables. cancellation is filtered out before reaching any callback.
func (self *WriteBinding[A, T]) settle(args A, result *T, err error) error {
	canceled := IsCanceled(err)

	self.mutex.Lock()
	self.isExecuting = false
	if !canceled {
		self.result = result
		self.err = err
	}
	self.mutex.Unlock()
	self.notifyState()

	if canceled {
		return err
	}

	if err == nil {
		if successCallback := self.settings.SuccessCallback; successCallback != nil {
			HandleError(func() {
				successCallback(args, result)
			})
		}
	} else {
		if errorCallback := self.settings.ErrorCallback; errorCallback != nil {
			HandleError(func() {
				errorCallback(args, err)
			})
		}
	}
	if settledCallback := self.settings.SettledCallback; settledCallback != nil {
		HandleError(func() {
			settledCallback(args)
		})
	}
	return err
}

func (self *WriteBinding[A, T]) Close() {
	self.cancel()
}
