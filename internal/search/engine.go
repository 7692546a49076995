package search

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

var mentionPattern = regexp.MustCompile(`<@(\d+)>`)

// Engine resolves batches against the relational store.
type Engine struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Compile-time interface verification
var _ Provider = (*Engine)(nil)

func NewEngine(db *sqlx.DB, logger *zap.Logger) *Engine {
	return &Engine{db: db, logger: logger}
}

// Searcher pins one pooled connection until the returned Searcher is closed.
func (e *Engine) Searcher(ctx context.Context) (Searcher, error) {
	conn, err := e.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring search connection: %w", err)
	}
	return &session{conn: conn, logger: e.logger}, nil
}

type session struct {
	conn   *sqlx.Conn
	logger *zap.Logger
}

func (s *session) SearchUnrestricted(ctx context.Context, batch Batch) (Result, error) {
	return s.run(ctx, batch, nil)
}

func (s *session) Search(ctx context.Context, batch Batch, userID int64) (Result, error) {
	return s.run(ctx, batch, &userID)
}

func (s *session) Close() error {
	return s.conn.Close()
}

func (s *session) run(ctx context.Context, batch Batch, scope *int64) (Result, error) {
	res := Result{Objects: make(map[string][]Row, len(batch.Requests))}
	for _, req := range batch.Requests {
		if req.Name == "" {
			req.Name = req.Type
		}
		if _, dup := res.Objects[req.Name]; dup {
			return Result{}, fmt.Errorf("%w: duplicate request name %q", ErrBadFilter, req.Name)
		}

		rows, err := s.query(ctx, req, batch.Values, res.Objects, scope)
		if err != nil {
			return Result{}, fmt.Errorf("request %q: %w", req.Name, err)
		}
		res.Objects[req.Name] = rows
	}
	return res, nil
}

func (s *session) query(ctx context.Context, req Request, values map[string]any, earlier map[string][]Row, scope *int64) ([]Row, error) {
	e, err := lookupEntity(req.Type)
	if err != nil {
		return nil, err
	}
	columns, derived, hidden, err := e.selection(req.Fields)
	if err != nil {
		return nil, err
	}
	f, err := parseFilter(req.Filter)
	if err != nil {
		return nil, err
	}

	q := sq.Select(quoteAll(columns)...).From(e.table).OrderBy(quote("id"))
	if f != nil {
		where, err := f.compile(e, values, earlier)
		if err != nil {
			return nil, err
		}
		q = q.Where(where)
	}
	if scope != nil && e.scope != nil {
		q = q.Where(e.scope(*scope))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	s.logger.Debug("search query", zap.String("type", req.Type), zap.String("sql", query))

	out, err := s.scan(ctx, query, args, len(columns)+len(derived))
	if err != nil {
		return nil, err
	}

	for _, d := range derived {
		switch d {
		case fieldPermissions:
			if err := s.attachPermissions(ctx, out); err != nil {
				return nil, err
			}
		case fieldMentions:
			attachMentions(out)
		}
	}
	for _, row := range out {
		for _, h := range hidden {
			delete(row, h)
		}
	}
	return out, nil
}

func (s *session) scan(ctx context.Context, query string, args []any, width int) ([]Row, error) {
	rows, err := s.conn.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	defer rows.Close()

	out := []Row{}
	for rows.Next() {
		row := make(Row, width)
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type permissionRow struct {
	ContentID int64  `db:"contentId"`
	UserID    int64  `db:"userId"`
	Perms     string `db:"perms"`
}

// attachPermissions sets each content row's permissions to a userId -> letters map.
func (s *session) attachPermissions(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		id, ok := Int64(row["id"])
		if !ok {
			return fmt.Errorf("content row without id: %v", row["id"])
		}
		ids = append(ids, id)
	}

	query, args, err := sq.Select(quote("contentId"), quote("userId"), quote("perms")).
		From("content_permissions").
		Where(sq.Eq{quote("contentId"): ids}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building permission query: %w", err)
	}

	var perms []permissionRow
	if err := s.conn.SelectContext(ctx, &perms, query, args...); err != nil {
		return fmt.Errorf("loading permissions: %w", err)
	}

	byContent := make(map[int64]map[int64]string, len(ids))
	for _, id := range ids {
		byContent[id] = make(map[int64]string)
	}
	for _, p := range perms {
		byContent[p.ContentID][p.UserID] = p.Perms
	}
	for i, row := range rows {
		row[fieldPermissions] = byContent[ids[i]]
	}
	return nil
}

func attachMentions(rows []Row) {
	for _, row := range rows {
		text, _ := row["text"].(string)
		mentions := []int64{}
		seen := make(map[int64]bool)
		for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
			id, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil || seen[id] {
				continue
			}
			seen[id] = true
			mentions = append(mentions, id)
		}
		row[fieldMentions] = mentions
	}
}

// Int64 converts an integer row value.
func Int64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), n == float64(int64(n))
	}
	return 0, false
}
