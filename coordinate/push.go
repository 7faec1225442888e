package coordinate

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

type RevalidateFunction = func()

type PushRevalidatorSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultPushRevalidatorSettings() *PushRevalidatorSettings {
	return &PushRevalidatorSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
	}
}

// invalidation messages from the backend push channel
type pushMessage struct {
	Keys []ResourceKey `json:"keys"`
}

// a websocket feed of resource-key invalidations. read bindings attach
// their keys and get revalidated when the backend announces a change,
// without polling.
type PushRevalidator struct {
	ctx    context.Context
	cancel context.CancelFunc

	api      *ShelfApi
	pushUrl  string
	settings *PushRevalidatorSettings

	mutex        sync.Mutex
	keyCallbacks map[ResourceKey]*CallbackList[RevalidateFunction]
}

func NewPushRevalidatorWithDefaults(ctx context.Context, api *ShelfApi, pushUrl string) *PushRevalidator {
	return NewPushRevalidator(ctx, api, pushUrl, DefaultPushRevalidatorSettings())
}

func NewPushRevalidator(ctx context.Context, api *ShelfApi, pushUrl string, settings *PushRevalidatorSettings) *PushRevalidator {
	cancelCtx, cancel := context.WithCancel(ctx)
	push := &PushRevalidator{
		ctx:          cancelCtx,
		cancel:       cancel,
		api:          api,
		pushUrl:      pushUrl,
		settings:     settings,
		keyCallbacks: map[ResourceKey]*CallbackList[RevalidateFunction]{},
	}
	go push.run()
	return push
}

// the returned function detaches
func (self *PushRevalidator) AddRevalidateCallback(key ResourceKey, revalidateCallback RevalidateFunction) func() {
	self.mutex.Lock()
	callbacks, ok := self.keyCallbacks[key]
	if !ok {
		callbacks = NewCallbackList[RevalidateFunction]()
		self.keyCallbacks[key] = callbacks
	}
	self.mutex.Unlock()

	callbackId := callbacks.Add(revalidateCallback)
	return func() {
		callbacks.Remove(callbackId)
	}
}

func (self *PushRevalidator) notify(key ResourceKey) {
	self.mutex.Lock()
	callbacks, ok := self.keyCallbacks[key]
	self.mutex.Unlock()
	if !ok {
		return
	}
	for _, revalidateCallback := range callbacks.Get() {
		revalidateCallback := revalidateCallback
		HandleError(func() {
			revalidateCallback()
		})
	}
}

func (self *PushRevalidator) run() {
	defer self.cancel()

	for {
		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		header := http.Header{}
		if jwt := self.api.Jwt(); jwt != "" {
			header.Add("Authorization", "Bearer "+jwt)
		}

		ws, _, err := dialer.DialContext(self.ctx, self.pushUrl, header)
		if err != nil {
			glog.Infof("[push]connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		self.readLoop(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *PushRevalidator) readLoop(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					// a websocket deadline timeout cannot be recovered
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[push]read error = %s\n", err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var push pushMessage
		if err := json.Unmarshal(message, &push); err != nil {
			glog.V(2).Infof("[push]malformed message = %s\n", err)
			continue
		}
		for _, key := range push.Keys {
			glog.V(2).Infof("[push]revalidate %s\n", key)
			self.notify(key)
		}
	}
}

func (self *PushRevalidator) Close() {
	self.cancel()
}
