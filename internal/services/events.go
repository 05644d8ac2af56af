package services

import (
	"reflect"
	"sync"

	"github.com/benmeehan/sensor-hub/internal/models"
)

// DeviceEventListener receives notifications from a DeviceServer. Callbacks run
// on server goroutines and must not block.
type DeviceEventListener interface {
	OnDeviceConnected(deviceID string, status models.DeviceStatus)
	OnDeviceDisconnected(deviceID, reason string)
	OnMessageReceived(deviceID string, payload map[string]any)
	OnMessageSent(deviceID string, payload map[string]any)
	OnMessageFailed(deviceID string, payload map[string]any, err error)
	OnPreviewFrameReceived(deviceID, frameType string, data []byte, metadata models.FrameMetadata)
	// OnError reports a failure. source is a device id or constants.ServerSource.
	OnError(source, category, message string)
	OnWarning(deviceID, message string)
}

// NopEventListener ignores every event. Embed it to implement only some callbacks.
type NopEventListener struct{}

func (NopEventListener) OnDeviceConnected(string, models.DeviceStatus)                        {}
func (NopEventListener) OnDeviceDisconnected(string, string)                                  {}
func (NopEventListener) OnMessageReceived(string, map[string]any)                             {}
func (NopEventListener) OnMessageSent(string, map[string]any)                                 {}
func (NopEventListener) OnMessageFailed(string, map[string]any, error)                        {}
func (NopEventListener) OnPreviewFrameReceived(string, string, []byte, models.FrameMetadata) {}
func (NopEventListener) OnError(string, string, string)                                       {}
func (NopEventListener) OnWarning(string, string)                                             {}

// listenerSet is a copy-on-write list of listeners.
type listenerSet struct {
	mu        sync.RWMutex
	listeners []DeviceEventListener
}

func (ls *listenerSet) add(l DeviceEventListener) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for _, existing := range ls.listeners {
		if sameListener(existing, l) {
			return
		}
	}
	next := make([]DeviceEventListener, 0, len(ls.listeners)+1)
	next = append(next, ls.listeners...)
	ls.listeners = append(next, l)
}

func (ls *listenerSet) remove(l DeviceEventListener) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i, existing := range ls.listeners {
		if sameListener(existing, l) {
			next := make([]DeviceEventListener, 0, len(ls.listeners)-1)
			next = append(next, ls.listeners[:i]...)
			ls.listeners = append(next, ls.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// sameListener compares listeners by identity. Values of an uncomparable
// dynamic type never match, since == on them panics.
func sameListener(a, b DeviceEventListener) bool {
	ta := reflect.TypeOf(a)
	if ta == nil || ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

func (ls *listenerSet) snapshot() []DeviceEventListener {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.listeners
}
