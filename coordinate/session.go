package coordinate

import (
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/golang/glog"
)

type SessionExpiredFunction = func()

type SessionMonitorSettings struct {
	// broadcasts within this window of the previous one are coalesced
	BroadcastWindow time.Duration
	Clock           Clock
}

func DefaultSessionMonitorSettings() *SessionMonitorSettings {
	return &SessionMonitorSettings{
		BroadcastWindow: 10 * time.Second,
		Clock:           NewSystemClock(),
	}
}

// a rate-limited global signal raised whenever any read or write observes
// an authentication-expired response, so the application reacts once
// rather than once per failed call
type SessionMonitor struct {
	settings *SessionMonitorSettings

	mutex         sync.Mutex
	lastBroadcast time.Time

	monitor                 *Monitor
	sessionExpiredCallbacks *CallbackList[SessionExpiredFunction]
}

func NewSessionMonitorWithDefaults() *SessionMonitor {
	return NewSessionMonitor(DefaultSessionMonitorSettings())
}

func NewSessionMonitor(settings *SessionMonitorSettings) *SessionMonitor {
	return &SessionMonitor{
		settings:                settings,
		monitor:                 NewMonitor(),
		sessionExpiredCallbacks: NewCallbackList[SessionExpiredFunction](),
	}
}

// for select-based consumers. the channel closes on the next broadcast;
// take a fresh one per wait.
func (self *SessionMonitor) NotifyChannel() <-chan struct{} {
	return self.monitor.NotifyChannel()
}

// the returned function unsubscribes
func (self *SessionMonitor) AddSessionExpiredCallback(sessionExpiredCallback SessionExpiredFunction) func() {
	callbackId := self.sessionExpiredCallbacks.Add(sessionExpiredCallback)
	return func() {
		self.sessionExpiredCallbacks.Remove(callbackId)
	}
}

func (self *SessionMonitor) NotifySessionExpired() {
	now := self.settings.Clock.Now()

	self.mutex.Lock()
	if !self.lastBroadcast.IsZero() && now.Sub(self.lastBroadcast) < self.settings.BroadcastWindow {
		self.mutex.Unlock()
		return
	}
	self.lastBroadcast = now
	self.mutex.Unlock()

	glog.Infof("[session]expired\n")
	self.monitor.NotifyAll()
	for _, sessionExpiredCallback := range self.sessionExpiredCallbacks.Get() {
		sessionExpiredCallback := sessionExpiredCallback
		HandleError(func() {
			sessionExpiredCallback()
		})
	}
}

// inspects the bearer token's exp claim without verifying the signature,
// so a locally expired session can be broadcast before the backend
// bounces a call. returns false and broadcasts when the token is expired.
func (self *SessionMonitor) CheckJwt(jwt string) bool {
	expiration, err := jwtExpiration(jwt)
	if err != nil {
		// not a parseable jwt, let the backend decide
		return true
	}
	if expiration.IsZero() {
		return true
	}
	if expiration.Before(self.settings.Clock.Now()) {
		self.NotifySessionExpired()
		return false
	}
	return true
}

func jwtExpiration(jwt string) (time.Time, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return time.Time{}, err
	}
	expiration, err := token.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if expiration == nil {
		return time.Time{}, nil
	}
	return expiration.Time, nil
}
