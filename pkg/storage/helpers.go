package storage

import (
	"database/sql"
)

// ===== HELPER FUNCTIONS =====

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
