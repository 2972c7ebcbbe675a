// Package notify defines the best-effort notification sink fed by the
// propagation engine. Delivery failures are logged, never surfaced: a lost
// notification must not fail the mutation that produced it.
package notify

import (
	"context"
	"log"
)

// EventKind names the change being announced to affected principals.
type EventKind string

const (
	EventShareDeleted      EventKind = "share_deleted"
	EventPermissionChanged EventKind = "permission_changed"
	EventMemberRemoved     EventKind = "member_removed"
	EventSpaceDeleted      EventKind = "space_deleted"
)

// Event carries the change context delivered to recipients.
type Event struct {
	Kind EventKind

	// Alias of the space or share the change originated at.
	Alias string

	// ShareID / SpaceID locate the affected entity when still present.
	ShareID int64
	SpaceID int64

	// LostOps is the serialized permission delta for narrowing events.
	LostOps string
}

// Sink receives notification events. Implementations must be safe for
// concurrent use and must not block the caller on delivery.
type Sink interface {
	// Notify fans the event out to the recipient user ids. Errors are
	// the implementation's to log; callers ignore them.
	Notify(ctx context.Context, recipients []int64, event Event)
}

// LogSink writes events to the process log. It is the default sink and
// the fallback when no delivery transport is configured.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, recipients []int64, event Event) {
	log.Printf("[loft] notify %s alias=%q recipients=%d", event.Kind, event.Alias, len(recipients))
}

// Discard drops all events. Useful in tests.
type Discard struct{}

func (Discard) Notify(context.Context, []int64, Event) {}
