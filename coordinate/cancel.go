package coordinate

import (
	"context"
	"sync/atomic"
)

// a disposable handle that marks a pending operation as abandoned.
// created per logical operation (one per lookup call, one per write attempt).
// once signaled, any completion tied to the token must check `Canceled`
// before writing visible state.
type CancelToken struct {
	ctx      context.Context
	cancel   context.CancelFunc
	canceled atomic.Bool
}

func NewCancelToken(ctx context.Context) *CancelToken {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &CancelToken{
		ctx:    cancelCtx,
		cancel: cancel,
	}
}

func (self *CancelToken) Cancel() {
	self.canceled.Store(true)
	self.cancel()
}

func (self *CancelToken) Canceled() bool {
	if self.canceled.Load() {
		return true
	}
	// the parent context unwinding cancels every token under it
	select {
	case <-self.ctx.Done():
		return true
	default:
		return false
	}
}

func (self *CancelToken) Context() context.Context {
	return self.ctx
}
