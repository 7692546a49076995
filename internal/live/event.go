package live

import (
	"time"

	"github.com/dgnsrekt/forumlive/internal/search"
)

// EventType names the kind of record an event refers to.
type EventType string

const (
	EventActivity     EventType = "activity"
	EventMessage      EventType = "message"
	EventUser         EventType = "user"
	EventUserVariable EventType = "uservariable"
	EventWatch        EventType = "watch"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventActivity, EventMessage, EventUser, EventUserVariable, EventWatch:
		return true
	}
	return false
}

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Event describes one committed write. ID is zero until the event is published.
type Event struct {
	ID     int64
	Date   time.Time
	UserID int64
	Action Action
	Type   EventType
	RefID  int64

	// Permissions may be shared with other events of the same content room.
	Permissions *Permissions

	published time.Time
}

// SetAssignedID receives the checkpoint id on publication.
func (e *Event) SetAssignedID(id int64) {
	e.ID = id
}

// EventView is the listener-facing projection of an Event.
type EventView struct {
	ID     int64     `json:"id"`
	Date   time.Time `json:"date"`
	UserID int64     `json:"userId"`
	Action Action    `json:"action"`
	Type   EventType `json:"type"`
	RefID  int64     `json:"refId"`
}

func (e *Event) View() EventView {
	return EventView{
		ID:     e.ID,
		Date:   e.Date,
		UserID: e.UserID,
		Action: e.Action,
		Type:   e.Type,
		RefID:  e.RefID,
	}
}

// LiveData is the response to one Listen call.
type LiveData struct {
	LastID    int64                                 `json:"lastId"`
	Events    []EventView                           `json:"events"`
	Objects   map[EventType]map[string][]search.Row `json:"objects"`
	Optimized bool                                  `json:"optimized"`
}
