package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilter_Empty(t *testing.T) {
	f, err := parseFilter("   ")
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestParseFilter_Precedence(t *testing.T) {
	f, err := parseFilter("id = 1 and deleted = 0 or id > 5")
	require.NoError(t, err)
	require.Len(t, f, 2)
	assert.Len(t, f[0], 2)
	assert.Len(t, f[1], 1)
	assert.Equal(t, ">", f[1][0].op)
}

func TestParseFilter_Operands(t *testing.T) {
	f, err := parseFilter("id in @ids and createUserId IN @message.createUserId")
	require.NoError(t, err)
	require.Len(t, f, 1)

	assert.Equal(t, "ids", f[0][0].arg.value)
	assert.Equal(t, "in", f[0][1].op)
	assert.Equal(t, "message", f[0][1].arg.ref)
	assert.Equal(t, "createUserId", f[0][1].arg.field)
}

func TestParseFilter_Rejects(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"incomplete", "id ="},
		{"bad operator", "id ~ 3"},
		{"bad literal", "id = abc"},
		{"dangling and", "id = 1 and"},
		{"missing joiner", "id = 1 id = 2"},
		{"empty reference", "id = @"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseFilter(tt.expr)
			assert.ErrorIs(t, err, ErrBadFilter)
		})
	}
}

func TestCompile_SQL(t *testing.T) {
	e := entities[TypeMessage]
	f, err := parseFilter("contentId = 4 and id > @after or id in @ids")
	require.NoError(t, err)

	where, err := f.compile(e, map[string]any{"after": int64(10), "ids": []int64{1, 2}}, nil)
	require.NoError(t, err)

	sql, args, err := where.ToSql()
	require.NoError(t, err)
	assert.Equal(t, `(("contentId" = ? AND "id" > ?) OR ("id" IN (?,?)))`, sql)
	assert.Equal(t, []any{int64(4), int64(10), int64(1), int64(2)}, args)
}

func TestCompile_ResultReference(t *testing.T) {
	e := entities[TypeUser]
	f, err := parseFilter("id in @message.createUserId or id in @message.mentions")
	require.NoError(t, err)

	earlier := map[string][]Row{
		"message": {
			{"createUserId": int64(3), "mentions": []int64{7, 3}},
			{"createUserId": int64(3), "mentions": []int64{}},
		},
	}
	where, err := f.compile(e, nil, earlier)
	require.NoError(t, err)

	_, args, err := where.ToSql()
	require.NoError(t, err)
	assert.Equal(t, []any{int64(3), int64(7), int64(3)}, args)
}

func TestCompile_Errors(t *testing.T) {
	e := entities[TypeContent]

	f, err := parseFilter("secret = 1")
	require.NoError(t, err)
	_, err = f.compile(e, nil, nil)
	assert.ErrorIs(t, err, ErrUnknownField)

	f, err = parseFilter("id = @missing")
	require.NoError(t, err)
	_, err = f.compile(e, nil, nil)
	assert.ErrorIs(t, err, ErrBadFilter)

	f, err = parseFilter("id in @nothing.id")
	require.NoError(t, err)
	_, err = f.compile(e, nil, nil)
	assert.ErrorIs(t, err, ErrBadFilter)

	f, err = parseFilter("id < @ids")
	require.NoError(t, err)
	_, err = f.compile(e, map[string]any{"ids": []int64{1, 2}}, nil)
	assert.ErrorIs(t, err, ErrBadFilter)

	f, err = parseFilter("id in @content.name")
	require.NoError(t, err)
	_, err = f.compile(e, nil, map[string][]Row{"content": {{"id": int64(1)}}})
	assert.ErrorIs(t, err, ErrBadFilter)
}

func TestSelection(t *testing.T) {
	e := entities[TypeMessage]

	cols, derived, hidden, err := e.selection([]string{"id", "mentions"})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "text"}, cols)
	assert.Equal(t, []string{"mentions"}, derived)
	assert.Equal(t, []string{"text"}, hidden)

	cols, derived, hidden, err = e.selection(nil)
	require.NoError(t, err)
	assert.Equal(t, e.columns, cols)
	assert.Equal(t, e.derived, derived)
	assert.Empty(t, hidden)

	_, _, _, err = e.selection([]string{"password"})
	assert.ErrorIs(t, err, ErrUnknownField)
}
