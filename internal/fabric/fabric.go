package fabric

import (
	"context"
	"sync"

	"github.com/mingleapp/chatd/internal/protocol"
)

// BaseGroup is the well-known group every active session joins. It only
// carries new-room announcements.
const BaseGroup = "root"

// Fabric is a named-group publish/subscribe primitive. It has no
// knowledge of rooms, users, or blocking; sessions layer those on top.
type Fabric interface {
	Subscribe(group, handle string, ch chan<- protocol.Frame)
	Unsubscribe(group, handle string)
	Publish(ctx context.Context, group string, frame protocol.Frame) error
}

// Local is a process-wide Fabric backed by an in-memory subscription
// table. Safe under arbitrary interleaving of subscribe, unsubscribe,
// and publish.
type Local struct {
	mu     sync.RWMutex
	groups map[string]map[string]chan<- protocol.Frame
}

// NewLocal initializes an empty fabric.
func NewLocal() *Local {
	return &Local{
		groups: make(map[string]map[string]chan<- protocol.Frame),
	}
}

// Subscribe registers a subscriber channel for the provided group.
func (f *Local) Subscribe(group, handle string, ch chan<- protocol.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.groups[group]; !ok {
		f.groups[group] = make(map[string]chan<- protocol.Frame)
	}
	f.groups[group][handle] = ch
}

// Unsubscribe removes the subscriber if present.
func (f *Local) Unsubscribe(group, handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if subscribers, ok := f.groups[group]; ok {
		delete(subscribers, handle)
		if len(subscribers) == 0 {
			delete(f.groups, group)
		}
	}
}

// Publish pushes the frame to every subscriber of the group. Delivery to
// a subscriber with a full channel is dropped rather than blocking the
// publisher.
func (f *Local) Publish(_ context.Context, group string, frame protocol.Frame) error {
	f.deliver(group, frame)
	return nil
}

func (f *Local) deliver(group string, frame protocol.Frame) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, ch := range f.groups[group] {
		select {
		case ch <- frame:
		default:
		}
	}
}

// Subscribers reports the current subscriber count for a group.
func (f *Local) Subscribers(group string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.groups[group])
}
