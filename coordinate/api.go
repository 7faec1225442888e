package coordinate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

// the write path sends these so the backend can treat a retried write
// as "the same operation, please confirm or no-op" rather than a second write
const headerRequestId = "X-Request-Id"
const headerIdempotencyKey = "X-Idempotency-Key"

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

type ShelfApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	mutex sync.Mutex
	jwt   string
	// endpoints declared idempotent-by-design server side,
	// members may be retried once on timeout with the same identity
	idempotentEndpoints map[string]bool

	sessionMonitor *SessionMonitor
}

func NewShelfApi(apiUrl string) *ShelfApi {
	return NewShelfApiWithContext(context.Background(), apiUrl)
}

func NewShelfApiWithContext(ctx context.Context, apiUrl string) *ShelfApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &ShelfApi{
		ctx:                 cancelCtx,
		cancel:              cancel,
		apiUrl:              apiUrl,
		idempotentEndpoints: map[string]bool{},
	}
}

// this gets attached to api calls that need it
func (self *ShelfApi) SetJwt(jwt string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.jwt = jwt
}

func (self *ShelfApi) Jwt() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.jwt
}

func (self *ShelfApi) SetSessionMonitor(sessionMonitor *SessionMonitor) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.sessionMonitor = sessionMonitor
}

func (self *ShelfApi) SessionMonitor() *SessionMonitor {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.sessionMonitor
}

func (self *ShelfApi) DeclareIdempotent(endpoints ...string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, endpoint := range endpoints {
		self.idempotentEndpoints[endpoint] = true
	}
}

func (self *ShelfApi) IsIdempotent(endpoint string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.idempotentEndpoints[endpoint]
}

func (self *ShelfApi) Close() {
	self.cancel()
}

// a response is failed when the status is non-2xx, the body is not json,
// or the body is an object carrying an explicit `ok: false` flag.
// a 401 from anywhere additionally feeds the session monitor.
func classifyResponse(statusCode int, responseBodyBytes []byte, sessionMonitor *SessionMonitor) error {
	if statusCode == http.StatusUnauthorized {
		if sessionMonitor != nil {
			sessionMonitor.NotifySessionExpired()
		}
		return &RequestError{
			StatusCode: statusCode,
			Message:    "session expired",
		}
	}
	if statusCode < 200 || 300 <= statusCode {
		// the response body is the error message when it is not an envelope
		message := strings.TrimSpace(string(responseBodyBytes))
		var details json.RawMessage
		if gjson.ValidBytes(responseBodyBytes) {
			envelope := gjson.ParseBytes(responseBodyBytes)
			if errorField := envelope.Get("error"); errorField.Exists() {
				message = errorField.String()
			}
			if detailsField := envelope.Get("details"); detailsField.Exists() {
				details = json.RawMessage(detailsField.Raw)
			}
		}
		return &RequestError{
			StatusCode: statusCode,
			Message:    message,
			Details:    details,
		}
	}
	if !gjson.ValidBytes(responseBodyBytes) {
		return &ParseError{}
	}
	envelope := gjson.ParseBytes(responseBodyBytes)
	if envelope.IsObject() {
		if okField := envelope.Get("ok"); okField.Type == gjson.False {
			var details json.RawMessage
			if detailsField := envelope.Get("details"); detailsField.Exists() {
				details = json.RawMessage(detailsField.Raw)
			}
			return &RequestError{
				StatusCode: statusCode,
				Message:    envelope.Get("error").String(),
				Details:    details,
			}
		}
	}
	return nil
}

func get[R any](ctx context.Context, api *ShelfApi, key ResourceKey, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", api.apiUrl+string(key), nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if jwt := api.Jwt(); jwt != "" {
		auth := fmt.Sprintf("Bearer %s", jwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	responseBodyBytes, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	if err := classifyResponse(r.StatusCode, responseBodyBytes, api.SessionMonitor()); err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	if err := json.Unmarshal(responseBodyBytes, result); err != nil {
		var empty R
		parseErr := &ParseError{Cause: err}
		callback.Result(empty, parseErr)
		return empty, parseErr
	}

	callback.Result(result, nil)
	return result, nil
}

// like get, but returns the classified raw body for callers that
// normalize fields structurally instead of decoding into a struct
func getRaw(ctx context.Context, api *ShelfApi, key ResourceKey) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", api.apiUrl+string(key), nil)
	if err != nil {
		return nil, err
	}

	req.Header.Add("Content-Type", "application/json")

	if jwt := api.Jwt(); jwt != "" {
		auth := fmt.Sprintf("Bearer %s", jwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	responseBodyBytes, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return nil, err
	}

	if err := classifyResponse(r.StatusCode, responseBodyBytes, api.SessionMonitor()); err != nil {
		return nil, err
	}

	return responseBodyBytes, nil
}

func post[R any](ctx context.Context, api *ShelfApi, endpoint string, args any, attempt *MutationAttempt, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", api.apiUrl+endpoint, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")
	if attempt != nil {
		req.Header.Add(headerRequestId, attempt.RequestId.String())
		req.Header.Add(headerIdempotencyKey, attempt.IdempotencyKey.String())
	}

	if jwt := api.Jwt(); jwt != "" {
		auth := fmt.Sprintf("Bearer %s", jwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	responseBodyBytes, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	if err := classifyResponse(r.StatusCode, responseBodyBytes, api.SessionMonitor()); err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	if err := json.Unmarshal(responseBodyBytes, result); err != nil {
		var empty R
		parseErr := &ParseError{Cause: err}
		callback.Result(empty, parseErr)
		return empty, parseErr
	}

	callback.Result(result, nil)
	return result, nil
}

type AuthLoginCallback = apiCallback[*AuthLoginResult]

type AuthLoginArgs struct {
	UserAuth string `json:"user_auth"`
	Password string `json:"password"`
}

type AuthLoginResult struct {
	Ok       bool                  `json:"ok"`
	Jwt      string                `json:"jwt,omitempty"`
	UserName string                `json:"user_name,omitempty"`
	Error    *AuthLoginResultError `json:"error,omitempty"`
}

type AuthLoginResultError struct {
	Message string `json:"message"`
}

func (self *ShelfApi) AuthLogin(authLogin *AuthLoginArgs, callback AuthLoginCallback) {
	go post(
		self.ctx,
		self,
		"/auth/login",
		authLogin,
		nil,
		&AuthLoginResult{},
		callback,
	)
}

func (self *ShelfApi) AuthLoginSync(authLogin *AuthLoginArgs) (*AuthLoginResult, error) {
	return post(
		self.ctx,
		self,
		"/auth/login",
		authLogin,
		nil,
		&AuthLoginResult{},
		NewNoopApiCallback[*AuthLoginResult](),
	)
}

type CatalogSearchCallback = apiCallback[*CatalogSearchResult]

type CatalogSearchResult struct {
	Records []*CatalogRecordSummary `json:"records"`
}

type CatalogRecordSummary struct {
	RecordKey string `json:"record_key"`
	Title     string `json:"title"`
	Author    string `json:"author,omitempty"`
}

func (self *ShelfApi) CatalogSearch(query string, callback CatalogSearchCallback) {
	key := ResourceKey(fmt.Sprintf("/catalog/search?q=%s", url.QueryEscape(query)))
	go get(
		self.ctx,
		self,
		key,
		&CatalogSearchResult{},
		callback,
	)
}

func (self *ShelfApi) CatalogSearchSync(query string) (*CatalogSearchResult, error) {
	key := ResourceKey(fmt.Sprintf("/catalog/search?q=%s", url.QueryEscape(query)))
	return get(
		self.ctx,
		self,
		key,
		&CatalogSearchResult{},
		NewNoopApiCallback[*CatalogSearchResult](),
	)
}

type PlaceHoldCallback = apiCallback[*PlaceHoldResult]

type PlaceHoldArgs struct {
	RecordKey string `json:"record_key"`
	PatronKey string `json:"patron_key"`
	PickupAt  string `json:"pickup_at,omitempty"`
}

type PlaceHoldResult struct {
	Ok      bool   `json:"ok"`
	HoldKey string `json:"hold_key,omitempty"`
	Queue   int    `json:"queue,omitempty"`
}

func (self *ShelfApi) PlaceHold(placeHold *PlaceHoldArgs, callback PlaceHoldCallback) {
	go post(
		self.ctx,
		self,
		"/holds/place",
		placeHold,
		nil,
		&PlaceHoldResult{},
		callback,
	)
}

func (self *ShelfApi) PlaceHoldSync(placeHold *PlaceHoldArgs) (*PlaceHoldResult, error) {
	return post(
		self.ctx,
		self,
		"/holds/place",
		placeHold,
		nil,
		&PlaceHoldResult{},
		NewNoopApiCallback[*PlaceHoldResult](),
	)
}
