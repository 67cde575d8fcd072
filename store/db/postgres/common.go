package postgres

import (
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// placeholder returns a positional placeholder for PostgreSQL ($1, $2, ...)
func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

// placeholders returns n placeholders for PostgreSQL
func placeholders(n int) string {
	list := []string{}
	for i := 0; i < n; i++ {
		list = append(list, placeholder(i+1))
	}
	return strings.Join(list, ", ")
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal json column")
	}
	return string(data), nil
}

// marshalNullableJSON returns nil for a nil value so the column is stored as NULL.
func marshalNullableJSON[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	return marshalJSON(v)
}

// unmarshalNullableJSON leaves dst untouched for NULL or blank columns.
func unmarshalNullableJSON(src sql.NullString, dst any) error {
	if !src.Valid || strings.TrimSpace(src.String) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(src.String), dst); err != nil {
		return errors.Wrap(err, "failed to unmarshal json column")
	}
	return nil
}
