package credentials

import (
	"context"
	"strings"

	"retouch/internal/infra"
	"retouch/internal/sqlinline"
)

// Store resolves per-user provider credentials for the bring-your-own
// routing variant. Keys live on the user row; an absent key is returned as
// the empty string so the caller decides how strict to be.
type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

func (s *Store) UserKey(ctx context.Context, userID string) (string, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectUserProviderKey, userID)
	var key string
	if err := row.Scan(&key); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(key), nil
}
