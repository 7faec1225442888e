package coordinate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestWriteRetryIdentity(t *testing.T) {
	var mutex sync.Mutex
	var idempotencyKeys []string
	var requestIds []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mutex.Lock()
		idempotencyKeys = append(idempotencyKeys, r.Header.Get("X-Idempotency-Key"))
		requestIds = append(requestIds, r.Header.Get("X-Request-Id"))
		attemptCount := len(idempotencyKeys)
		mutex.Unlock()

		if attemptCount == 1 {
			// outlive the first attempt's deadline
			time.Sleep(500 * time.Millisecond)
			return
		}
		w.Write([]byte(`{"ok": true, "hold_key": "h1"}`))
	}))
	defer server.Close()

	api := NewShelfApi(server.URL)
	defer api.Close()
	api.DeclareIdempotent("/holds/place")

	settings := DefaultWriteBindingSettings[*PlaceHoldArgs, PlaceHoldResult]()
	settings.AttemptTimeout = 100 * time.Millisecond
	binding := NewWriteBinding[*PlaceHoldArgs, PlaceHoldResult](context.Background(), api, settings)
	defer binding.Close()

	result, err := binding.ExecuteOrErr("/holds/place", &PlaceHoldArgs{RecordKey: "r1", PatronKey: "p1"})
	assert.Equal(t, nil, err)
	assert.Equal(t, "h1", result.HoldKey)

	mutex.Lock()
	defer mutex.Unlock()
	// exactly two network attempts sharing one identity
	assert.Equal(t, 2, len(idempotencyKeys))
	assert.Equal(t, idempotencyKeys[0], idempotencyKeys[1])
	assert.Equal(t, requestIds[0], requestIds[1])
	assert.NotEqual(t, "", idempotencyKeys[0])
}

func TestWriteNonIdempotentNoRetry(t *testing.T) {
	requestCount := atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount.Add(1)
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	api := NewShelfApi(server.URL)
	defer api.Close()
	// endpoint not declared idempotent

	settings := DefaultWriteBindingSettings[*PlaceHoldArgs, PlaceHoldResult]()
	settings.AttemptTimeout = 50 * time.Millisecond
	binding := NewWriteBinding[*PlaceHoldArgs, PlaceHoldResult](context.Background(), api, settings)
	defer binding.Close()

	_, err := binding.ExecuteOrErr("/holds/place", &PlaceHoldArgs{RecordKey: "r1"})

	var timeoutErr *TimeoutError
	assert.Equal(t, true, errors.As(err, &timeoutErr))
	assert.Equal(t, 1, timeoutErr.AttemptCount)
	assert.Equal(t, false, timeoutErr.Retried)
	assert.Equal(t, true, timeoutErr.SafeToResubmit)
	assert.NotEqual(t, Id{}, timeoutErr.IdempotencyKey)
	assert.Equal(t, int32(1), requestCount.Load())
}

func TestWriteSecondTimeoutSurfaces(t *testing.T) {
	requestCount := atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount.Add(1)
		time.Sleep(800 * time.Millisecond)
	}))
	defer server.Close()

	api := NewShelfApi(server.URL)
	defer api.Close()
	api.DeclareIdempotent("/holds/place")

	settings := DefaultWriteBindingSettings[*PlaceHoldArgs, PlaceHoldResult]()
	settings.AttemptTimeout = 50 * time.Millisecond
	binding := NewWriteBinding[*PlaceHoldArgs, PlaceHoldResult](context.Background(), api, settings)
	defer binding.Close()

	_, err := binding.ExecuteOrErr("/holds/place", &PlaceHoldArgs{RecordKey: "r1"})

	var timeoutErr *TimeoutError
	assert.Equal(t, true, errors.As(err, &timeoutErr))
	assert.Equal(t, 2, timeoutErr.AttemptCount)
	assert.Equal(t, true, timeoutErr.Retried)
	assert.Equal(t, int32(2), requestCount.Load())
}

func TestWriteFailureEnvelopeNotRetried(t *testing.T) {
	requestCount := atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount.Add(1)
		w.Write([]byte(`{"ok": false, "error": "hold limit reached"}`))
	}))
	defer server.Close()

	api := NewShelfApi(server.URL)
	defer api.Close()
	api.DeclareIdempotent("/holds/place")

	var callbackErr error
	settled := make(chan struct{}, 1)
	settings := DefaultWriteBindingSettings[*PlaceHoldArgs, PlaceHoldResult]()
	settings.ErrorCallback = func(args *PlaceHoldArgs, err error) {
		callbackErr = err
	}
	settings.SettledCallback = func(args *PlaceHoldArgs) {
		settled <- struct{}{}
	}
	binding := NewWriteBinding[*PlaceHoldArgs, PlaceHoldResult](context.Background(), api, settings)
	defer binding.Close()

	_, err := binding.ExecuteOrErr("/holds/place", &PlaceHoldArgs{RecordKey: "r1"})

	requestError, ok := err.(*RequestError)
	assert.Equal(t, true, ok)
	assert.Equal(t, "hold limit reached", requestError.Message)
	// a non-timeout failure is never retried, even on an idempotent endpoint
	assert.Equal(t, int32(1), requestCount.Load())

	<-settled
	assert.Equal(t, err, callbackErr)
	assert.Equal(t, err, binding.State().Err)
}

func TestWritePreFlightVeto(t *testing.T) {
	requestCount := atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount.Add(1)
		w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	api := NewShelfApi(server.URL)
	defer api.Close()

	vetoErr := fmt.Errorf("patron card expired")
	settings := DefaultWriteBindingSettings[*PlaceHoldArgs, PlaceHoldResult]()
	settings.PreFlight = func(endpoint string, args *PlaceHoldArgs) error {
		return vetoErr
	}
	binding := NewWriteBinding[*PlaceHoldArgs, PlaceHoldResult](context.Background(), api, settings)
	defer binding.Close()

	_, err := binding.ExecuteOrErr("/holds/place", &PlaceHoldArgs{RecordKey: "r1"})
	assert.Equal(t, vetoErr, err)
	assert.Equal(t, int32(0), requestCount.Load())
}

func TestWriteExecuteOrNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok": false, "error": "bad args"}`))
	}))
	defer server.Close()

	api := NewShelfApi(server.URL)
	defer api.Close()

	binding := NewWriteBindingWithDefaults[*PlaceHoldArgs, PlaceHoldResult](context.Background(), api)
	defer binding.Close()

	result := binding.ExecuteOrNil("/holds/place", &PlaceHoldArgs{})
	assert.Equal(t, (*PlaceHoldResult)(nil), result)
	assert.NotEqual(t, nil, binding.State().Err)
}

func TestWriteSuccessCallbackVariables(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok": true, "hold_key": "h9"}`))
	}))
	defer server.Close()

	api := NewShelfApi(server.URL)
	defer api.Close()

	type callbackResult struct {
		args   *PlaceHoldArgs
		result *PlaceHoldResult
	}
	callbackResults := make(chan callbackResult, 1)
	settings := DefaultWriteBindingSettings[*PlaceHoldArgs, PlaceHoldResult]()
	settings.SuccessCallback = func(args *PlaceHoldArgs, result *PlaceHoldResult) {
		callbackResults <- callbackResult{args: args, result: result}
	}
	binding := NewWriteBinding[*PlaceHoldArgs, PlaceHoldResult](context.Background(), api, settings)
	defer binding.Close()

	args := &PlaceHoldArgs{RecordKey: "r1", PatronKey: "p1"}
	_, err := binding.ExecuteOrErr("/holds/place", args)
	assert.Equal(t, nil, err)

	// callbacks receive the original variables
	delivered := <-callbackResults
	assert.Equal(t, args, delivered.args)
	assert.Equal(t, "h9", delivered.result.HoldKey)
}
