// Package hub fans meeting events out to connected observers.
package hub

import (
	"context"
	"sync"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

// Observer is one connected client. Send must not block for long; a slow
// client should report failure rather than hold up the broadcast.
type Observer interface {
	ID() string
	Send(ev Event) error
}

// Hub maps meeting id to its observers and the identity each one joined
// with. An observer registered to several meetings keeps a separate identity
// per meeting.
type Hub struct {
	mu       sync.RWMutex
	meetings map[string]map[Observer]string
}

func New() *Hub {
	return &Hub{
		meetings: make(map[string]map[Observer]string),
	}
}

func (h *Hub) Register(meetingID string, obs Observer, identity string) {
	h.mu.Lock()
	set, ok := h.meetings[meetingID]
	if !ok {
		set = make(map[Observer]string)
		h.meetings[meetingID] = set
	}
	set[obs] = identity
	count := len(set)
	h.mu.Unlock()
	logutil.GetLogger(context.Background()).Info("observer joined",
		zap.String("meeting_id", meetingID), zap.String("observer", obs.ID()),
		zap.String("identity", identity), zap.Int("observers", count))
}

// Unregister is idempotent. Empty meetings are dropped.
func (h *Hub) Unregister(meetingID string, obs Observer) {
	h.mu.Lock()
	removed := h.removeLocked(meetingID, obs)
	h.mu.Unlock()
	if removed {
		logutil.GetLogger(context.Background()).Info("observer left",
			zap.String("meeting_id", meetingID), zap.String("observer", obs.ID()))
	}
}

func (h *Hub) removeLocked(meetingID string, obs Observer) bool {
	set, ok := h.meetings[meetingID]
	if !ok {
		return false
	}
	if _, ok := set[obs]; !ok {
		return false
	}
	delete(set, obs)
	if len(set) == 0 {
		delete(h.meetings, meetingID)
	}
	return true
}

func (h *Hub) SendTo(obs Observer, ev Event) error {
	return obs.Send(ev)
}

// Broadcast sends ev to a snapshot of the meeting's observers. Observers
// whose send fails are unregistered once the pass is over; the others still
// receive the event.
func (h *Hub) Broadcast(meetingID string, ev Event) (delivered int, failed int) {
	h.mu.RLock()
	set := h.meetings[meetingID]
	targets := make([]Observer, 0, len(set))
	for obs := range set {
		targets = append(targets, obs)
	}
	h.mu.RUnlock()

	var dead []Observer
	for _, obs := range targets {
		if err := obs.Send(ev); err != nil {
			logutil.GetLogger(context.Background()).Warn("send to observer failed",
				zap.String("meeting_id", meetingID), zap.String("observer", obs.ID()),
				zap.String("event", ev.Type), zap.Error(err))
			dead = append(dead, obs)
			continue
		}
		delivered++
	}
	if len(dead) > 0 {
		h.mu.Lock()
		for _, obs := range dead {
			h.removeLocked(meetingID, obs)
		}
		h.mu.Unlock()
	}
	return delivered, len(dead)
}

func (h *Hub) Identity(meetingID string, obs Observer) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.meetings[meetingID][obs]
	return id, ok
}

func (h *Hub) Count(meetingID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.meetings[meetingID])
}

func (h *Hub) Total() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, set := range h.meetings {
		total += len(set)
	}
	return total
}
