package live

import (
	"fmt"

	"github.com/dgnsrekt/forumlive/internal/search"
)

var (
	contentFields = []string{"id", "name", "contentType", "parentId", "createUserId", "createDate", "editDate", "deleted", "permissions"}
	userFields    = []string{"id", "username", "avatar", "super", "createDate"}
)

// requestsFor builds the batch resolving the records behind events of one type.
// ids are bound as @ids.
func requestsFor(t EventType, ids []int64) (search.Batch, error) {
	var reqs []search.Request
	switch t {
	case EventActivity:
		reqs = []search.Request{
			{Name: "activity", Type: search.TypeActivity, Fields: []string{"*"}, Filter: "id in @ids"},
			{Name: "content", Type: search.TypeContent, Fields: contentFields, Filter: "id in @activity.contentId"},
			{Name: "user", Type: search.TypeUser, Fields: userFields, Filter: "id in @activity.userId"},
		}
	case EventMessage:
		reqs = []search.Request{
			{Name: "message", Type: search.TypeMessage, Fields: []string{"*"}, Filter: "id in @ids"},
			{Name: "content", Type: search.TypeContent, Fields: contentFields, Filter: "id in @message.contentId"},
			{Name: "user", Type: search.TypeUser, Fields: userFields,
				Filter: "id in @message.createUserId or id in @message.receiveUserId or id in @message.mentions"},
		}
	case EventUser:
		reqs = []search.Request{
			{Name: "user", Type: search.TypeUser, Fields: userFields, Filter: "id in @ids"},
		}
	case EventWatch:
		reqs = []search.Request{
			{Name: "watch", Type: search.TypeWatch, Fields: []string{"*"}, Filter: "id in @ids"},
			{Name: "content", Type: search.TypeContent, Fields: contentFields, Filter: "id in @watch.contentId"},
		}
	case EventUserVariable:
		reqs = []search.Request{
			{Name: "uservariable", Type: search.TypeUserVariable, Fields: []string{"*"}, Filter: "id in @ids"},
		}
	default:
		return search.Batch{}, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}

	return search.Batch{
		Requests: reqs,
		Values:   map[string]any{"ids": ids},
	}, nil
}
