package coordinate

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

func testRegistry() []*PreferenceRegistryItem {
	return []*PreferenceRegistryItem{
		{Id: "holds", DefaultEnabled: true},
		{Id: "fines", DefaultEnabled: true},
		{Id: "history", DefaultEnabled: false},
	}
}

func layoutIds(layout *PreferenceLayout) []string {
	ids := []string{}
	for _, item := range layout.Items {
		ids = append(ids, item.Id)
	}
	return ids
}

func layoutItem(layout *PreferenceLayout, id string) *PreferenceItem {
	for _, item := range layout.Items {
		if item.Id == id {
			return item
		}
	}
	return nil
}

func TestMergeLayout(t *testing.T) {
	// nil persisted layout seeds from the registry in order
	layout := mergeLayout(nil, testRegistry())
	assert.Equal(t, []string{"holds", "fines", "history"}, layoutIds(layout))
	assert.Equal(t, true, layoutItem(layout, "holds").Enabled)
	assert.Equal(t, false, layoutItem(layout, "history").Enabled)

	// stale persisted ids are dropped, new registry items appended,
	// persisted order and enablement kept
	persisted := &PreferenceLayout{
		SchemaVersion: preferenceSchemaVersion,
		Items: []*PreferenceItem{
			{Id: "fines", Enabled: false, Order: 0},
			{Id: "removed", Enabled: true, Order: 1},
			{Id: "holds", Enabled: true, Order: 2},
		},
	}
	layout = mergeLayout(persisted, testRegistry())
	assert.Equal(t, []string{"fines", "holds", "history"}, layoutIds(layout))
	assert.Equal(t, false, layoutItem(layout, "fines").Enabled)
	// orders are reassigned contiguously
	for i, item := range layout.Items {
		assert.Equal(t, i, item.Order)
	}
}

func TestPreferenceToggleLocalOnly(t *testing.T) {
	api := NewShelfApi("http://localhost")
	defer api.Close()

	settings := DefaultPreferenceStoreSettings()
	settings.Registry = testRegistry()

	store := NewPreferenceStore(context.Background(), api, NewDedupCache(), settings)
	defer store.Close()

	err := store.ToggleItemSync("history")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, layoutItem(store.Layout(), "history").Enabled)

	// the confirmed layout is mirrored locally
	store2 := NewPreferenceStore(context.Background(), api, NewDedupCache(), settings)
	defer store2.Close()
	assert.Equal(t, true, layoutItem(store2.Layout(), "history").Enabled)

	err = store.ToggleItemSync("unknown")
	assert.NotEqual(t, nil, err)
}

func TestPreferenceToggleRollback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok": false, "error": "layout rejected"}`))
	}))
	defer server.Close()

	api := NewShelfApi(server.URL)
	defer api.Close()

	var mutex sync.Mutex
	var changes []*PreferenceLayout
	errs := make(chan error, 1)

	settings := DefaultPreferenceStoreSettings()
	settings.Registry = testRegistry()
	settings.SaveEndpoint = "/prefs/layout"
	settings.ChangedCallback = func(layout *PreferenceLayout) {
		mutex.Lock()
		changes = append(changes, layout)
		mutex.Unlock()
	}
	settings.ErrorCallback = func(err error) {
		errs <- err
	}

	store := NewPreferenceStore(context.Background(), api, NewDedupCache(), settings)
	defer store.Close()

	before := store.Layout()

	err := store.ToggleItemSync("fines")
	assert.NotEqual(t, nil, err)
	<-errs

	// the rollback restores the pre-change layout verbatim
	after := store.Layout()
	assert.Equal(t, before, after)

	// the change was visible optimistically, then reverted
	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, 2, len(changes))
	assert.Equal(t, false, layoutItem(changes[0], "fines").Enabled)
	assert.Equal(t, true, layoutItem(changes[1], "fines").Enabled)
}

func TestPreferenceTogglePersists(t *testing.T) {
	var mutex sync.Mutex
	saveCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mutex.Lock()
		saveCount += 1
		mutex.Unlock()
		w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	api := NewShelfApi(server.URL)
	defer api.Close()

	settings := DefaultPreferenceStoreSettings()
	settings.Registry = testRegistry()
	settings.SaveEndpoint = "/prefs/layout"

	store := NewPreferenceStore(context.Background(), api, NewDedupCache(), settings)
	defer store.Close()

	err := store.ToggleItemSync("history")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, layoutItem(store.Layout(), "history").Enabled)

	mutex.Lock()
	assert.Equal(t, 1, saveCount)
	mutex.Unlock()

	// the confirmed layout survives into a fresh store via the mirror
	store2 := NewPreferenceStore(context.Background(), api, NewDedupCache(), settings)
	defer store2.Close()
	assert.Equal(t, true, layoutItem(store2.Layout(), "history").Enabled)
}

func TestPreferenceReorder(t *testing.T) {
	api := NewShelfApi("http://localhost")
	defer api.Close()

	settings := DefaultPreferenceStoreSettings()
	settings.Registry = testRegistry()

	store := NewPreferenceStore(context.Background(), api, NewDedupCache(), settings)
	defer store.Close()

	err := store.ReorderItemsSync([]string{"history", "holds"})
	assert.Equal(t, nil, err)

	// mentioned ids come first in the given order, the rest keep their
	// relative order after them
	layout := store.Layout()
	assert.Equal(t, []string{"history", "holds", "fines"}, layoutIds(layout))
	for i, item := range layout.Items {
		assert.Equal(t, i, item.Order)
	}
}

func TestPreferenceLoadMerges(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"schema_version": 1,
			"items": [
				{"id": "fines", "enabled": false, "order": 0},
				{"id": "stale", "enabled": true, "order": 1},
				{"id": "holds", "enabled": true, "order": 2}
			]
		}`))
	}))
	defer server.Close()

	api := NewShelfApi(server.URL)
	defer api.Close()

	changed := make(chan *PreferenceLayout, 4)
	settings := DefaultPreferenceStoreSettings()
	settings.Registry = testRegistry()
	settings.LayoutKey = "/prefs/layout"
	settings.ChangedCallback = func(layout *PreferenceLayout) {
		changed <- layout
	}

	store := NewPreferenceStore(context.Background(), api, NewDedupCache(), settings)
	defer store.Close()

	layout := <-changed
	assert.Equal(t, []string{"fines", "holds", "history"}, layoutIds(layout))
	assert.Equal(t, false, layoutItem(layout, "fines").Enabled)
	assert.Equal(t, layout, store.Layout())
}

func TestPreferenceCancelRollsBack(t *testing.T) {
	saving := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the request body must be consumed before the server watches the
		// connection, otherwise the client going away is never observed
		io.ReadAll(r.Body)
		saving <- struct{}{}
		// hold the save open until the client goes away
		<-r.Context().Done()
	}))
	defer server.Close()

	api := NewShelfApi(server.URL)
	defer api.Close()

	settings := DefaultPreferenceStoreSettings()
	settings.Registry = testRegistry()
	settings.SaveEndpoint = "/prefs/layout"

	store := NewPreferenceStore(context.Background(), api, NewDedupCache(), settings)

	before := store.Layout()

	done := make(chan error)
	go func() {
		done <- store.ToggleItemSync("fines")
	}()

	<-saving
	store.Close()

	err := <-done
	assert.Equal(t, true, IsCanceled(err))

	// an unconfirmed change is not left visible
	assert.Equal(t, before, store.Layout())
}
