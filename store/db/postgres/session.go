package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/counselsim/store"
)

const sessionColumns = "id, visitor_instance_id, session_number, chat_history, homework, session_diary, pre_session_activity, finalized_ts, created_ts, updated_ts"

func (d *DB) CreateSession(ctx context.Context, create *store.Session) (*store.Session, error) {
	if create.ChatHistory == nil {
		create.ChatHistory = []store.ChatTurn{}
	}
	chatHistory, err := marshalJSON(create.ChatHistory)
	if err != nil {
		return nil, err
	}
	var homework any
	if create.Homework != nil {
		if homework, err = marshalJSON(create.Homework); err != nil {
			return nil, err
		}
	}
	activity, err := marshalNullableJSON(create.PreSessionActivity)
	if err != nil {
		return nil, err
	}

	args := []any{
		create.ID, create.VisitorInstanceID, create.SessionNumber, chatHistory, homework,
		create.SessionDiary, activity, create.FinalizedTs, create.CreatedTs, create.UpdatedTs,
	}
	stmt := "INSERT INTO session (" + sessionColumns + ") VALUES (" + placeholders(len(args)) + ")"
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, errors.Wrap(err, "failed to create session")
	}
	return create, nil
}

func (d *DB) ListSessions(ctx context.Context, find *store.FindSession) ([]*store.Session, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.VisitorInstanceID != nil {
		where, args = append(where, "visitor_instance_id = "+placeholder(len(args)+1)), append(args, *find.VisitorInstanceID)
	}
	if find.SessionNumber != nil {
		where, args = append(where, "session_number = "+placeholder(len(args)+1)), append(args, *find.SessionNumber)
	}
	if find.ExcludeID != nil {
		where, args = append(where, "id != "+placeholder(len(args)+1)), append(args, *find.ExcludeID)
	}
	if find.FinalizedOnly {
		where = append(where, "finalized_ts IS NOT NULL")
	}
	if find.HasDiary {
		where = append(where, "session_diary IS NOT NULL")
	}
	if find.MissingActivity {
		where = append(where, "pre_session_activity IS NULL")
	}
	if find.HasAntecedent {
		where = append(where, antecedentExists)
	}

	order := "DESC"
	if find.Ascending {
		order = "ASC"
	}
	query := "SELECT " + sessionColumns + " FROM session WHERE " + strings.Join(where, " AND ") + " ORDER BY session_number " + order + ", created_ts " + order
	if find.Limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, find.Limit)
		if find.Offset > 0 {
			query = fmt.Sprintf("%s OFFSET %d", query, find.Offset)
		}
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sessions")
	}
	defer rows.Close()

	list := []*store.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

func (d *DB) UpdateSession(ctx context.Context, update *store.UpdateSession) (*store.Session, error) {
	set, args := []string{"updated_ts = " + placeholder(1)}, []any{update.UpdatedTs}
	if update.ChatHistory != nil {
		chatHistory, err := marshalJSON(*update.ChatHistory)
		if err != nil {
			return nil, err
		}
		set, args = append(set, "chat_history = "+placeholder(len(args)+1)), append(args, chatHistory)
	}
	if update.Homework != nil {
		homework, err := marshalJSON(*update.Homework)
		if err != nil {
			return nil, err
		}
		set, args = append(set, "homework = "+placeholder(len(args)+1)), append(args, homework)
	}
	if update.SessionDiary != nil {
		set, args = append(set, "session_diary = "+placeholder(len(args)+1)), append(args, *update.SessionDiary)
	}
	if update.PreSessionActivity != nil {
		activity, err := marshalJSON(update.PreSessionActivity)
		if err != nil {
			return nil, err
		}
		set, args = append(set, "pre_session_activity = "+placeholder(len(args)+1)), append(args, activity)
	}
	if update.FinalizedTs != nil {
		set, args = append(set, "finalized_ts = "+placeholder(len(args)+1)), append(args, *update.FinalizedTs)
	}
	args = append(args, update.ID)
	where := []string{"id = " + placeholder(len(args))}
	if update.IfOpen {
		where = append(where, "finalized_ts IS NULL")
	}
	if update.IfNoDiary {
		where = append(where, "session_diary IS NULL")
	}
	if update.IfTurnCount != nil {
		args = append(args, *update.IfTurnCount)
		where = append(where, "jsonb_array_length(chat_history) = "+placeholder(len(args)))
	}

	stmt := "UPDATE session SET " + strings.Join(set, ", ") + " WHERE " + strings.Join(where, " AND ") + " RETURNING " + sessionColumns
	session, err := scanSession(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if update.IsConditional() {
				return nil, nil
			}
			return nil, errors.Errorf("session %s not found", update.ID)
		}
		return nil, errors.Wrap(err, "failed to update session")
	}
	return session, nil
}

// AppendChatTurns concatenates onto the stored jsonb array so concurrent appends never drop turns.
func (d *DB) AppendChatTurns(ctx context.Context, appendTurns *store.AppendChatTurns) (*store.Session, error) {
	turns, err := marshalJSON(appendTurns.Turns)
	if err != nil {
		return nil, err
	}
	stmt := "UPDATE session SET chat_history = chat_history || $1::jsonb, updated_ts = $2 WHERE id = $3 AND finalized_ts IS NULL RETURNING " + sessionColumns
	session, err := scanSession(d.db.QueryRowContext(ctx, stmt, turns, appendTurns.UpdatedTs, appendTurns.ID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to append chat turns")
	}
	return session, nil
}

// antecedentExists matches sessions with a finalized, diary-bearing sibling.
const antecedentExists = `EXISTS (SELECT 1 FROM session AS prev WHERE prev.visitor_instance_id = session.visitor_instance_id AND prev.id != session.id AND prev.finalized_ts IS NOT NULL AND prev.session_diary IS NOT NULL)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*store.Session, error) {
	session := &store.Session{}
	var (
		chatHistory sql.NullString
		homework    sql.NullString
		diary       sql.NullString
		activity    sql.NullString
		finalizedTs sql.NullInt64
	)
	if err := row.Scan(
		&session.ID,
		&session.VisitorInstanceID,
		&session.SessionNumber,
		&chatHistory,
		&homework,
		&diary,
		&activity,
		&finalizedTs,
		&session.CreatedTs,
		&session.UpdatedTs,
	); err != nil {
		return nil, err
	}

	session.ChatHistory = []store.ChatTurn{}
	if err := unmarshalNullableJSON(chatHistory, &session.ChatHistory); err != nil {
		return nil, err
	}
	if err := unmarshalNullableJSON(homework, &session.Homework); err != nil {
		return nil, err
	}
	if diary.Valid {
		session.SessionDiary = &diary.String
	}
	if activity.Valid {
		session.PreSessionActivity = &store.PreSessionActivity{}
		if err := unmarshalNullableJSON(activity, session.PreSessionActivity); err != nil {
			return nil, err
		}
	}
	if finalizedTs.Valid {
		session.FinalizedTs = &finalizedTs.Int64
	}
	return session, nil
}
