package state

import (
	"nexus-backend/internal/models"
)

// RingCapacity is how many recent messages a channel keeps in memory.
// Older history stays in the persistence gateway.
const RingCapacity = 500

// RingBuffer is a fixed-capacity recent-message cache, oldest first.
// Not safe for concurrent use; the owning community's lock covers it.
type RingBuffer struct {
	capacity int
	messages []models.Message
}

func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = RingCapacity
	}
	return &RingBuffer{capacity: capacity}
}

// Append adds a message, evicting exactly the oldest entry when full.
func (rb *RingBuffer) Append(msg models.Message) {
	if len(rb.messages) >= rb.capacity {
		copy(rb.messages, rb.messages[1:])
		rb.messages[len(rb.messages)-1] = msg
		return
	}
	rb.messages = append(rb.messages, msg)
}

func (rb *RingBuffer) Len() int {
	return len(rb.messages)
}

// Get returns a pointer into the buffer for in-place mutation (edits,
// reactions, poll votes). Nil when the message has been evicted or
// deleted.
func (rb *RingBuffer) Get(messageID int64) *models.Message {
	for i := range rb.messages {
		if rb.messages[i].ID == messageID {
			return &rb.messages[i]
		}
	}
	return nil
}

func (rb *RingBuffer) Remove(messageID int64) bool {
	for i := range rb.messages {
		if rb.messages[i].ID == messageID {
			rb.messages = append(rb.messages[:i], rb.messages[i+1:]...)
			return true
		}
	}
	return false
}

// Snapshot copies out every message with an ID at or after afterID.
// Zero returns everything. DM deletion watermarks filter through this.
func (rb *RingBuffer) Snapshot(afterID int64) []models.Message {
	out := []models.Message{}
	for i := range rb.messages {
		if rb.messages[i].ID >= afterID {
			out = append(out, rb.messages[i])
		}
	}
	return out
}
