package coordinate

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

const defaultMinQueryLength = 3
const defaultDebounceDelay = 300 * time.Millisecond

const lookupLastKeyStoreKey = "shelf.lookup.lastKey"

// one row of an incremental search result, normalized from whichever
// field names the backend used for this record family
type LookupSummary struct {
	Key    string
	Label  string
	Detail string
}

// one fully detailed record from an exact lookup-by-key
type LookupRecord struct {
	Key    string
	Label  string
	Fields map[string]string
}

type LookupState struct {
	Err         error
	IsSearching bool
}

type LookupBindingSettings struct {
	// search endpoint, query appended: e.g. "/patrons/search?q="
	SearchEndpoint string
	// record endpoint, key appended: e.g. "/patrons/"
	RecordEndpoint string

	MinQueryLength int
	DebounceDelay  time.Duration

	// an empty or 404 result is not an error
	NotFoundCallback func(query string)
	ErrorCallback    func(err error)
	ResultsCallback  func(query string, results []*LookupSummary)
	SelectedCallback func(record *LookupRecord)

	Clock Clock
	// remembers the last used lookup key under a fixed namespaced key
	Store    KeyValueStore
	StoreKey string
}

func DefaultLookupBindingSettings() *LookupBindingSettings {
	return &LookupBindingSettings{
		MinQueryLength: defaultMinQueryLength,
		DebounceDelay:  defaultDebounceDelay,
		Clock:          NewSystemClock(),
		Store:          NewMemoryKeyValueStore(),
		StoreKey:       lookupLastKeyStoreKey,
	}
}

// specializes the read path for interactive search and lookup-by-key.
//
// each search or lookup call creates a fresh cancel token and immediately
// cancels the previous call's token; a response is only applied to visible
// state if its token is still the active one. this enforces
// last-request-wins ordering robust to network reordering - the one place
// in this layer where response ordering is actively guaranteed.
type LookupBinding struct {
	ctx    context.Context
	cancel context.CancelFunc

	api      *ShelfApi
	cache    *DedupCache
	settings *LookupBindingSettings

	mutex         sync.Mutex
	query         string
	results       []*LookupSummary
	selected      *LookupRecord
	err           error
	isSearching   bool
	activeToken   *CancelToken
	debounceToken *CancelToken
}

func NewLookupBindingWithDefaults(ctx context.Context, api *ShelfApi, cache *DedupCache) *LookupBinding {
	return NewLookupBinding(ctx, api, cache, DefaultLookupBindingSettings())
}

func NewLookupBinding(ctx context.Context, api *ShelfApi, cache *DedupCache, settings *LookupBindingSettings) *LookupBinding {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &LookupBinding{
		ctx:      cancelCtx,
		cancel:   cancel,
		api:      api,
		cache:    cache,
		settings: settings,
	}
}

func (self *LookupBinding) Query() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.query
}

func (self *LookupBinding) Results() []*LookupSummary {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.results
}

func (self *LookupBinding) Selected() *LookupRecord {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.selected
}

func (self *LookupBinding) State() LookupState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return LookupState{
		Err:         self.err,
		IsSearching: self.isSearching,
	}
}

func (self *LookupBinding) LastUsedKey() string {
	value, _ := self.settings.Store.Get(self.storeKey())
	return value
}

func (self *LookupBinding) storeKey() string {
	if self.settings.StoreKey != "" {
		return self.settings.StoreKey
	}
	return lookupLastKeyStoreKey
}

// updates the query and schedules a debounced search once the query
// reaches the minimum length. a shorter query clears the results.
func (self *LookupBinding) SetQuery(query string) {
	minQueryLength := self.settings.MinQueryLength
	if minQueryLength <= 0 {
		minQueryLength = defaultMinQueryLength
	}

	self.mutex.Lock()
	self.query = query
	if self.debounceToken != nil {
		self.debounceToken.Cancel()
		self.debounceToken = nil
	}
	if len(query) < minQueryLength {
		if self.activeToken != nil {
			self.activeToken.Cancel()
			self.activeToken = nil
		}
		self.results = nil
		self.err = nil
		self.isSearching = false
		self.mutex.Unlock()
		return
	}
	debounceToken := NewCancelToken(self.ctx)
	self.debounceToken = debounceToken
	// register the timer while holding the lock so a following SetQuery
	// observes and cancels this pending debounce
	timer := self.settings.Clock.After(self.settings.DebounceDelay)
	self.mutex.Unlock()

	go HandleError(func() {
		select {
		case <-timer:
		case <-debounceToken.Context().Done():
			return
		}
		if debounceToken.Canceled() {
			return
		}
		self.Search(query)
	})
}

// immediate search, bypassing the debounce
func (self *LookupBinding) Search(query string) {
	token := self.replaceActiveToken()
	go HandleError(func() {
		self.runSearch(query, token)
	})
}

// exact lookup of one fully detailed record, through the dedup cache
func (self *LookupBinding) LookupByKey(key string) {
	token := self.replaceActiveToken()
	go HandleError(func() {
		self.runLookup(key, token)
	})
}

func (self *LookupBinding) Clear() {
	self.mutex.Lock()
	if self.debounceToken != nil {
		self.debounceToken.Cancel()
		self.debounceToken = nil
	}
	if self.activeToken != nil {
		self.activeToken.Cancel()
		self.activeToken = nil
	}
	self.query = ""
	self.results = nil
	self.selected = nil
	self.err = nil
	self.isSearching = false
	self.mutex.Unlock()
}

func (self *LookupBinding) Close() {
	self.cancel()
}

// cancels the previous call's token and installs a fresh one
func (self *LookupBinding) replaceActiveToken() *CancelToken {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.activeToken != nil {
		self.activeToken.Cancel()
	}
	token := NewCancelToken(self.ctx)
	self.activeToken = token
	self.isSearching = true
	return token
}

func (self *LookupBinding) runSearch(query string, token *CancelToken) {
	key := ResourceKey(self.settings.SearchEndpoint + url.QueryEscape(query))
	// reads are not aborted at the network layer; the token only
	// suppresses the state write of a superseded response
	responseBodyBytes, err := getRaw(self.api.ctx, self.api, key)

	if err != nil {
		if isNotFound(err) {
			self.applyNotFound(query, token)
		} else {
			self.applyError(err, token)
		}
		return
	}

	results := normalizeSummaries(responseBodyBytes)
	if len(results) == 0 {
		self.applyNotFound(query, token)
		return
	}
	self.applyResults(query, results, token)
}

func (self *LookupBinding) runLookup(key string, token *CancelToken) {
	resourceKey := ResourceKey(self.settings.RecordEndpoint + url.PathEscape(key))
	fetch := self.cache.Acquire(resourceKey, func() (any, error) {
		return getRaw(self.api.ctx, self.api, resourceKey)
	})
	value, err := fetch.Outcome(self.ctx)

	if err != nil {
		if IsCanceled(err) {
			return
		}
		if isNotFound(err) {
			self.applyNotFound(key, token)
		} else {
			self.applyError(err, token)
		}
		return
	}

	responseBodyBytes, ok := value.([]byte)
	if !ok {
		self.applyError(&ParseError{}, token)
		return
	}
	record := normalizeRecord(key, responseBodyBytes)
	if record == nil {
		self.applyNotFound(key, token)
		return
	}
	self.applySelected(key, record, token)
}

func (self *LookupBinding) applyResults(query string, results []*LookupSummary, token *CancelToken) {
	self.mutex.Lock()
	if self.activeToken != token || token.Canceled() {
		self.mutex.Unlock()
		return
	}
	self.results = results
	self.err = nil
	self.isSearching = false
	self.mutex.Unlock()

	if resultsCallback := self.settings.ResultsCallback; resultsCallback != nil {
		HandleError(func() {
			resultsCallback(query, results)
		})
	}
}

func (self *LookupBinding) applySelected(key string, record *LookupRecord, token *CancelToken) {
	self.mutex.Lock()
	if self.activeToken != token || token.Canceled() {
		self.mutex.Unlock()
		return
	}
	self.selected = record
	self.err = nil
	self.isSearching = false
	self.mutex.Unlock()

	self.settings.Store.Set(self.storeKey(), key)

	if selectedCallback := self.settings.SelectedCallback; selectedCallback != nil {
		HandleError(func() {
			selectedCallback(record)
		})
	}
}

func (self *LookupBinding) applyNotFound(query string, token *CancelToken) {
	self.mutex.Lock()
	if self.activeToken != token || token.Canceled() {
		self.mutex.Unlock()
		return
	}
	self.results = nil
	self.selected = nil
	self.err = nil
	self.isSearching = false
	self.mutex.Unlock()

	if notFoundCallback := self.settings.NotFoundCallback; notFoundCallback != nil {
		HandleError(func() {
			notFoundCallback(query)
		})
	}
}

func (self *LookupBinding) applyError(err error, token *CancelToken) {
	self.mutex.Lock()
	if self.activeToken != token || token.Canceled() {
		self.mutex.Unlock()
		return
	}
	self.err = err
	self.isSearching = false
	self.mutex.Unlock()

	if errorCallback := self.settings.ErrorCallback; errorCallback != nil {
		HandleError(func() {
			errorCallback(err)
		})
	}
}

func isNotFound(err error) bool {
	var requestError *RequestError
	if errors.As(err, &requestError) {
		return requestError.StatusCode == http.StatusNotFound
	}
	return false
}

// the backend is inconsistent about field naming across record families;
// normalize to one stable shape here so no consumer has to care
var lookupKeyFields = []string{"key", "id", "record_key", "patron_key", "barcode", "code"}
var lookupLabelFields = []string{"label", "title", "name", "display_name"}
var lookupDetailFields = []string{"detail", "author", "description", "subtitle"}

func firstString(item gjson.Result, fields []string) string {
	for _, field := range fields {
		if value := item.Get(field); value.Exists() {
			return value.String()
		}
	}
	return ""
}

func resultItems(responseBodyBytes []byte) []gjson.Result {
	root := gjson.ParseBytes(responseBodyBytes)
	if root.IsArray() {
		return root.Array()
	}
	for _, field := range []string{"results", "records", "items"} {
		if value := root.Get(field); value.IsArray() {
			return value.Array()
		}
	}
	return nil
}

func normalizeSummaries(responseBodyBytes []byte) []*LookupSummary {
	items := resultItems(responseBodyBytes)
	results := []*LookupSummary{}
	for _, item := range items {
		summary := &LookupSummary{
			Key:    firstString(item, lookupKeyFields),
			Label:  firstString(item, lookupLabelFields),
			Detail: firstString(item, lookupDetailFields),
		}
		if summary.Key == "" && summary.Label == "" {
			continue
		}
		results = append(results, summary)
	}
	return results
}

func normalizeRecord(key string, responseBodyBytes []byte) *LookupRecord {
	root := gjson.ParseBytes(responseBodyBytes)
	if record := root.Get("record"); record.IsObject() {
		root = record
	}
	if !root.IsObject() {
		return nil
	}

	recordKey := firstString(root, lookupKeyFields)
	if recordKey == "" {
		recordKey = key
	}
	record := &LookupRecord{
		Key:    recordKey,
		Label:  firstString(root, lookupLabelFields),
		Fields: map[string]string{},
	}
	root.ForEach(func(field gjson.Result, value gjson.Result) bool {
		switch value.Type {
		case gjson.JSON:
			// nested structures are not part of the stable shape
		default:
			record.Fields[field.String()] = value.String()
		}
		return true
	})
	if record.Label == "" && len(record.Fields) == 0 {
		return nil
	}
	return record
}
