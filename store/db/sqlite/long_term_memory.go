package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/counselsim/store"
)

func (d *DB) CreateLongTermMemoryVersion(ctx context.Context, create *store.LongTermMemoryVersion) (*store.LongTermMemoryVersion, error) {
	content, err := marshalJSON(create.Content)
	if err != nil {
		return nil, err
	}
	stmt := "INSERT INTO long_term_memory_version (uid, visitor_instance_id, content, created_ts) VALUES (?, ?, ?, ?) RETURNING id"
	if err := d.db.QueryRowContext(ctx, stmt, create.UID, create.VisitorInstanceID, content, create.CreatedTs).Scan(&create.ID); err != nil {
		return nil, errors.Wrap(err, "failed to create long-term memory version")
	}
	return create, nil
}

func (d *DB) ListLongTermMemoryVersions(ctx context.Context, find *store.FindLongTermMemoryVersion) ([]*store.LongTermMemoryVersion, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.VisitorInstanceID != nil {
		where, args = append(where, "visitor_instance_id = ?"), append(args, *find.VisitorInstanceID)
	}

	query := "SELECT id, uid, visitor_instance_id, content, created_ts FROM long_term_memory_version WHERE " +
		strings.Join(where, " AND ") + " ORDER BY created_ts DESC, id DESC"
	if find.Limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, find.Limit)
	}
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list long-term memory versions")
	}
	defer rows.Close()

	list := []*store.LongTermMemoryVersion{}
	for rows.Next() {
		version := &store.LongTermMemoryVersion{}
		var content string
		if err := rows.Scan(&version.ID, &version.UID, &version.VisitorInstanceID, &content, &version.CreatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan long-term memory version")
		}
		version.Content, _ = store.ParseLongTermMemory(content)
		list = append(list, version)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}
