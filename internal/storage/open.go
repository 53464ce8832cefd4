package storage

import (
	"context"
	"fmt"
)

// Open picks the backing store: postgres when pgDSN is set, else sqlite
// when sqlitePath is set, else memory. SQL stores are migrated first when
// migrate is true.
func Open(ctx context.Context, pgDSN, sqlitePath string, migrate bool) (Store, string, error) {
	var (
		s   *SQLStore
		err error
	)
	switch {
	case pgDSN != "":
		s, err = NewPostgresStore(pgDSN)
	case sqlitePath != "":
		s, err = NewSQLiteStore(sqlitePath)
	default:
		return NewMemoryStore(), "memory", nil
	}
	if err != nil {
		return nil, "", err
	}
	if migrate {
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, "", fmt.Errorf("migrate %s: %w", s.Dialect(), err)
		}
	}
	return s, s.Dialect().String(), nil
}
