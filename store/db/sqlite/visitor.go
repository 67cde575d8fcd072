package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/counselsim/store"
)

func (d *DB) CreateVisitorTemplate(ctx context.Context, create *store.VisitorTemplate) (*store.VisitorTemplate, error) {
	fields := []string{"id", "template_key", "name", "brief", "core_persona", "chat_principle", "created_ts", "updated_ts"}
	args := []any{create.ID, create.TemplateKey, create.Name, create.Brief, create.CorePersona, create.ChatPrinciple, create.CreatedTs, create.UpdatedTs}
	stmt := "INSERT INTO visitor_template (" + strings.Join(fields, ", ") + ") VALUES (" + placeholders(len(args)) + ")"
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, errors.Wrap(err, "failed to create visitor template")
	}
	return create, nil
}

func (d *DB) ListVisitorTemplates(ctx context.Context, find *store.FindVisitorTemplate) ([]*store.VisitorTemplate, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.TemplateKey != nil {
		where, args = append(where, "template_key = "+placeholder(len(args)+1)), append(args, *find.TemplateKey)
	}

	query := `SELECT id, template_key, name, brief, core_persona, chat_principle, created_ts, updated_ts
		FROM visitor_template WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_ts ASC, id ASC`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list visitor templates")
	}
	defer rows.Close()

	list := []*store.VisitorTemplate{}
	for rows.Next() {
		t := &store.VisitorTemplate{}
		if err := rows.Scan(&t.ID, &t.TemplateKey, &t.Name, &t.Brief, &t.CorePersona, &t.ChatPrinciple, &t.CreatedTs, &t.UpdatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan visitor template")
		}
		list = append(list, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

func (d *DB) CreateVisitorInstance(ctx context.Context, create *store.VisitorInstance) (*store.VisitorInstance, error) {
	ltm, err := marshalJSON(create.LongTermMemory)
	if err != nil {
		return nil, err
	}
	fields := []string{"id", "user_id", "template_id", "long_term_memory", "created_ts", "updated_ts"}
	args := []any{create.ID, create.UserID, create.TemplateID, ltm, create.CreatedTs, create.UpdatedTs}
	stmt := "INSERT INTO visitor_instance (" + strings.Join(fields, ", ") + ") VALUES (" + placeholders(len(args)) + ")"
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, errors.Wrap(err, "failed to create visitor instance")
	}
	return create, nil
}

func (d *DB) ListVisitorInstances(ctx context.Context, find *store.FindVisitorInstance) ([]*store.VisitorInstance, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.UserID != nil {
		where, args = append(where, "user_id = "+placeholder(len(args)+1)), append(args, *find.UserID)
	}
	if find.TemplateID != nil {
		where, args = append(where, "template_id = "+placeholder(len(args)+1)), append(args, *find.TemplateID)
	}

	query := `SELECT id, user_id, template_id, long_term_memory, created_ts, updated_ts
		FROM visitor_instance WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_ts ASC, id ASC`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list visitor instances")
	}
	defer rows.Close()

	list := []*store.VisitorInstance{}
	for rows.Next() {
		instance := &store.VisitorInstance{}
		var ltm sql.NullString
		if err := rows.Scan(&instance.ID, &instance.UserID, &instance.TemplateID, &ltm, &instance.CreatedTs, &instance.UpdatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan visitor instance")
		}
		// A malformed stored snapshot reads back as empty and the pipeline treats it as absent.
		instance.LongTermMemory, _ = store.ParseLongTermMemory(ltm.String)
		list = append(list, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

func (d *DB) UpdateVisitorInstance(ctx context.Context, update *store.UpdateVisitorInstance) (*store.VisitorInstance, error) {
	set, args := []string{"updated_ts = ?"}, []any{update.UpdatedTs}
	if update.LongTermMemory != nil {
		ltm, err := marshalJSON(update.LongTermMemory)
		if err != nil {
			return nil, err
		}
		set, args = append(set, "long_term_memory = ?"), append(args, ltm)
	}
	args = append(args, update.ID)

	stmt := "UPDATE visitor_instance SET " + strings.Join(set, ", ") + " WHERE id = ?"
	result, err := d.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to update visitor instance")
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return nil, errors.Errorf("visitor instance %s not found", update.ID)
	}

	list, err := d.ListVisitorInstances(ctx, &store.FindVisitorInstance{ID: &update.ID})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, errors.Errorf("visitor instance %s not found", update.ID)
	}
	return list[0], nil
}
