package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
)

// Signal reports whether the device network is reachable. It is advisory:
// an online signal does not mean the remote model will answer.
type Signal interface {
	Online() bool
}

// State is the single answer to "should we avoid the network".
type State struct {
	forced atomic.Bool
	signal Signal
}

func NewState(signal Signal) *State {
	if signal == nil {
		signal = AlwaysOnline{}
	}
	return &State{signal: signal}
}

func (s *State) SetForceOffline(flag bool) {
	s.forced.Store(flag)
}

func (s *State) ForcedOffline() bool {
	return s.forced.Load()
}

// IsOffline is evaluated on every call; the native signal may change between calls.
func (s *State) IsOffline() bool {
	return s.forced.Load() || !s.signal.Online()
}

type AlwaysOnline struct{}

func (AlwaysOnline) Online() bool { return true }

// Flag is a settable Signal with change notifications.
type Flag struct {
	online atomic.Bool

	mu   sync.Mutex
	subs []chan bool
}

func NewFlag(online bool) *Flag {
	f := &Flag{}
	f.online.Store(online)
	return f
}

func (f *Flag) Online() bool {
	return f.online.Load()
}

// Set stores the value and notifies subscribers when it changed.
func (f *Flag) Set(online bool) bool {
	if f.online.Swap(online) == online {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- online:
		default:
		}
	}
	return true
}

// Subscribe returns a channel receiving every transition. Slow readers miss
// intermediate values, never the flag itself.
func (f *Flag) Subscribe() <-chan bool {
	ch := make(chan bool, 1)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch
}

// Watch calls fn with the current value and then with every transition until
// ctx is done.
func (f *Flag) Watch(ctx context.Context, fn func(online bool)) {
	ch := f.Subscribe()
	defer f.unsubscribe(ch)
	fn(f.Online())
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-ch:
			fn(v)
		}
	}
}

func (f *Flag) unsubscribe(ch <-chan bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, sub := range f.subs {
		if sub == ch {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			return
		}
	}
}
