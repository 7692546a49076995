package search

import (
	"fmt"
	"slices"
	"strconv"

	sq "github.com/Masterminds/squirrel"
)

// Derived fields are computed after the row is read.
const (
	fieldPermissions = "permissions"
	fieldMentions    = "mentions"
)

type entity struct {
	table   string
	columns []string
	derived []string
	// scope restricts rows to what userID may read; nil means everything is readable.
	scope func(userID int64) sq.Sqlizer
}

const readableContent = `SELECT "contentId" FROM content_permissions WHERE "userId" IN (0, ?) AND instr("perms", 'R') > 0`

var entities = map[string]entity{
	TypeContent: {
		table:   "content",
		columns: []string{"id", "name", "contentType", "parentId", "text", "createUserId", "createDate", "editDate", "deleted"},
		derived: []string{fieldPermissions},
		scope: func(userID int64) sq.Sqlizer {
			return sq.Expr(`"id" IN (`+readableContent+`)`, userID)
		},
	},
	TypeMessage: {
		table:   "messages",
		columns: []string{"id", "contentId", "createUserId", "receiveUserId", "text", "createDate", "editDate", "edited", "deleted"},
		derived: []string{fieldMentions},
		scope: func(userID int64) sq.Sqlizer {
			return sq.And{
				sq.Expr(`"contentId" IN (`+readableContent+`)`, userID),
				sq.Or{
					sq.Eq{quote("receiveUserId"): 0},
					sq.Eq{quote("receiveUserId"): userID},
					sq.Eq{quote("createUserId"): userID},
				},
			}
		},
	},
	TypeActivity: {
		table:   "activity",
		columns: []string{"id", "contentId", "userId", "action", "date", "message"},
		scope: func(userID int64) sq.Sqlizer {
			return sq.Expr(`"contentId" IN (`+readableContent+`)`, userID)
		},
	},
	TypeUser: {
		table:   "users",
		columns: []string{"id", "username", "avatar", "super", "createDate", "deleted"},
	},
	TypeWatch: {
		table:   "watches",
		columns: []string{"id", "userId", "contentId", "lastActivityId", "createDate"},
		scope: func(userID int64) sq.Sqlizer {
			return sq.Eq{quote("userId"): userID}
		},
	},
	TypeUserVariable: {
		table:   "user_variables",
		columns: []string{"id", "userId", "name", "value", "createDate", "editDate"},
		scope: func(userID int64) sq.Sqlizer {
			return sq.Eq{quote("userId"): userID}
		},
	},
}

func lookupEntity(name string) (entity, error) {
	e, ok := entities[name]
	if !ok {
		return entity{}, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return e, nil
}

func (e entity) hasColumn(field string) bool {
	return slices.Contains(e.columns, field)
}

// selection splits requested fields into columns to read and derived fields to compute.
// hidden lists columns read only to compute derived fields.
func (e entity) selection(fields []string) (columns, derived, hidden []string, err error) {
	if len(fields) == 0 || slices.Contains(fields, "*") {
		return slices.Clone(e.columns), slices.Clone(e.derived), nil, nil
	}

	for _, f := range fields {
		switch {
		case e.hasColumn(f):
			if !slices.Contains(columns, f) {
				columns = append(columns, f)
			}
		case slices.Contains(e.derived, f):
			if !slices.Contains(derived, f) {
				derived = append(derived, f)
			}
		default:
			return nil, nil, nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, e.table, f)
		}
	}

	need := func(col string) {
		if !slices.Contains(columns, col) {
			columns = append(columns, col)
			hidden = append(hidden, col)
		}
	}
	for _, d := range derived {
		switch d {
		case fieldPermissions:
			need("id")
		case fieldMentions:
			need("text")
		}
	}
	return columns, derived, hidden, nil
}

func quote(ident string) string {
	return strconv.Quote(ident)
}

func quoteAll(idents []string) []string {
	out := make([]string, len(idents))
	for i, id := range idents {
		out[i] = quote(id)
	}
	return out
}
