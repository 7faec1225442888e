package coordinate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

const preferenceSchemaVersion = 1

const preferenceLayoutStoreKey = "shelf.prefs.layout"

type PreferenceItem struct {
	Id      string `json:"id"`
	Enabled bool   `json:"enabled"`
	Order   int    `json:"order"`
}

type PreferenceLayout struct {
	SchemaVersion int               `json:"schema_version"`
	Items         []*PreferenceItem `json:"items"`
}

// the static registry of preference items this build knows about
type PreferenceRegistryItem struct {
	Id             string
	DefaultEnabled bool
}

type PreferenceSaveResult struct {
	Ok bool `json:"ok"`
}

type PreferenceStoreSettings struct {
	Registry []*PreferenceRegistryItem

	// read key for the persisted layout, e.g. "/prefs/layout".
	// empty keeps the store local-only.
	LayoutKey ResourceKey
	// write endpoint for persisting, e.g. "/prefs/layout"
	SaveEndpoint string

	ChangedCallback func(layout *PreferenceLayout)
	ErrorCallback   func(err error)

	// local mirror of the last confirmed layout
	Store    KeyValueStore
	StoreKey string
}

func DefaultPreferenceStoreSettings() *PreferenceStoreSettings {
	return &PreferenceStoreSettings{
		Store:    NewMemoryKeyValueStore(),
		StoreKey: preferenceLayoutStoreKey,
	}
}

// holds the preference layout for small, frequently toggled settings.
// changes apply locally before confirmation and roll back on failure.
//
// guarantee: the externally visible layout is always either the last
// confirmed-persisted layout or a layout currently pending confirmation.
type PreferenceStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	api      *ShelfApi
	settings *PreferenceStoreSettings

	mutex  sync.Mutex
	layout *PreferenceLayout

	// serializes optimistic apply+persist cycles so each snapshot
	// pairs with its own rollback
	persistMutex sync.Mutex

	read  *ReadBinding[PreferenceLayout]
	write *WriteBinding[*PreferenceLayout, PreferenceSaveResult]
}

func NewPreferenceStore(ctx context.Context, api *ShelfApi, cache *DedupCache, settings *PreferenceStoreSettings) *PreferenceStore {
	cancelCtx, cancel := context.WithCancel(ctx)

	store := &PreferenceStore{
		ctx:      cancelCtx,
		cancel:   cancel,
		api:      api,
		settings: settings,
	}

	// start from the local mirror so the layout is usable before the
	// backend read settles
	store.layout = mergeLayout(store.mirroredLayout(), settings.Registry)

	store.write = NewWriteBindingWithDefaults[*PreferenceLayout, PreferenceSaveResult](cancelCtx, api)

	if settings.LayoutKey != "" {
		readSettings := DefaultReadBindingSettings[PreferenceLayout]()
		readSettings.SuccessCallback = store.loaded
		readSettings.ErrorCallback = settings.ErrorCallback
		store.read = NewReadBinding[PreferenceLayout](cancelCtx, api, cache, settings.LayoutKey, readSettings)
	}

	return store
}

// merge against the registry: registered items are never dropped,
// stale ids never kept
func (self *PreferenceStore) loaded(persisted *PreferenceLayout) {
	merged := mergeLayout(persisted, self.settings.Registry)

	self.mutex.Lock()
	self.layout = merged
	self.mutex.Unlock()

	self.mirror(merged)
	self.notifyChanged(merged)
}

func (self *PreferenceStore) Layout() *PreferenceLayout {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return cloneLayout(self.layout)
}

func (self *PreferenceStore) ToggleItem(id string) {
	go HandleError(func() {
		self.ToggleItemSync(id)
	})
}

func (self *PreferenceStore) ToggleItemSync(id string) error {
	self.persistMutex.Lock()
	defer self.persistMutex.Unlock()

	self.mutex.Lock()
	i := slices.IndexFunc(self.layout.Items, func(item *PreferenceItem) bool {
		return item.Id == id
	})
	if i < 0 {
		self.mutex.Unlock()
		return fmt.Errorf("unknown preference item: %s", id)
	}
	snapshot := cloneLayout(self.layout)
	next := cloneLayout(self.layout)
	next.Items[i].Enabled = !next.Items[i].Enabled
	self.layout = next
	self.mutex.Unlock()

	self.notifyChanged(next)

	return self.persist(snapshot, next)
}

func (self *PreferenceStore) ReorderItems(ids []string) {
	go HandleError(func() {
		self.ReorderItemsSync(ids)
	})
}

func (self *PreferenceStore) ReorderItemsSync(ids []string) error {
	self.persistMutex.Lock()
	defer self.persistMutex.Unlock()

	self.mutex.Lock()
	snapshot := cloneLayout(self.layout)
	next := cloneLayout(self.layout)
	position := map[string]int{}
	for i, id := range ids {
		position[id] = i
	}
	// mentioned items take the given order, the rest keep their
	// relative order after them
	slices.SortStableFunc(next.Items, func(a *PreferenceItem, b *PreferenceItem) int {
		ai, aok := position[a.Id]
		bi, bok := position[b.Id]
		switch {
		case aok && bok:
			return ai - bi
		case aok:
			return -1
		case bok:
			return 1
		default:
			return 0
		}
	})
	for i, item := range next.Items {
		item.Order = i
	}
	self.layout = next
	self.mutex.Unlock()

	self.notifyChanged(next)

	return self.persist(snapshot, next)
}

// local state already shows `next`; on persistence failure the snapshot
// is restored verbatim, on success it is discarded
func (self *PreferenceStore) persist(snapshot *PreferenceLayout, next *PreferenceLayout) error {
	if self.settings.SaveEndpoint == "" {
		self.mirror(next)
		return nil
	}

	_, err := self.write.ExecuteOrErr(self.settings.SaveEndpoint, next)
	if err != nil {
		if IsCanceled(err) {
			// unconfirmed, restore the snapshot so the visible layout is
			// never one the backend silently dropped
			self.mutex.Lock()
			self.layout = snapshot
			self.mutex.Unlock()
			self.notifyChanged(snapshot)
			return err
		}
		self.mutex.Lock()
		self.layout = snapshot
		self.mutex.Unlock()
		self.notifyChanged(snapshot)
		if errorCallback := self.settings.ErrorCallback; errorCallback != nil {
			HandleError(func() {
				errorCallback(err)
			})
		}
		return err
	}

	self.mirror(next)
	return nil
}

func (self *PreferenceStore) notifyChanged(layout *PreferenceLayout) {
	if changedCallback := self.settings.ChangedCallback; changedCallback != nil {
		layout := cloneLayout(layout)
		HandleError(func() {
			changedCallback(layout)
		})
	}
}

func (self *PreferenceStore) storeKey() string {
	if self.settings.StoreKey != "" {
		return self.settings.StoreKey
	}
	return preferenceLayoutStoreKey
}

func (self *PreferenceStore) mirror(layout *PreferenceLayout) {
	if self.settings.Store == nil {
		return
	}
	layoutBytes, err := json.Marshal(layout)
	if err != nil {
		return
	}
	self.settings.Store.Set(self.storeKey(), string(layoutBytes))
}

func (self *PreferenceStore) mirroredLayout() *PreferenceLayout {
	if self.settings.Store == nil {
		return nil
	}
	layoutJson, ok := self.settings.Store.Get(self.storeKey())
	if !ok {
		return nil
	}
	var layout PreferenceLayout
	if err := json.Unmarshal([]byte(layoutJson), &layout); err != nil {
		return nil
	}
	return &layout
}

func (self *PreferenceStore) Close() {
	if self.read != nil {
		self.read.Close()
	}
	self.write.Close()
	self.cancel()
}

func cloneLayout(layout *PreferenceLayout) *PreferenceLayout {
	if layout == nil {
		return nil
	}
	items := make([]*PreferenceItem, len(layout.Items))
	for i, item := range layout.Items {
		itemCopy := *item
		items[i] = &itemCopy
	}
	return &PreferenceLayout{
		SchemaVersion: layout.SchemaVersion,
		Items:         items,
	}
}

// merging a persisted layout with the current registry never drops a
// currently registered item and never keeps an item no longer registered
func mergeLayout(persisted *PreferenceLayout, registry []*PreferenceRegistryItem) *PreferenceLayout {
	registered := map[string]bool{}
	for _, registryItem := range registry {
		registered[registryItem.Id] = true
	}

	items := []*PreferenceItem{}
	seen := map[string]bool{}
	if persisted != nil {
		for _, item := range persisted.Items {
			if !registered[item.Id] {
				// stale id
				continue
			}
			itemCopy := *item
			items = append(items, &itemCopy)
			seen[item.Id] = true
		}
	}
	// new registry items get defaults, after everything persisted
	nextOrder := 0
	for _, item := range items {
		if nextOrder <= item.Order {
			nextOrder = item.Order + 1
		}
	}
	for _, registryItem := range registry {
		if seen[registryItem.Id] {
			continue
		}
		items = append(items, &PreferenceItem{
			Id:      registryItem.Id,
			Enabled: registryItem.DefaultEnabled,
			Order:   nextOrder,
		})
		nextOrder += 1
	}

	slices.SortStableFunc(items, func(a *PreferenceItem, b *PreferenceItem) int {
		return a.Order - b.Order
	})
	for i, item := range items {
		item.Order = i
	}

	return &PreferenceLayout{
		SchemaVersion: preferenceSchemaVersion,
		Items:         items,
	}
}
