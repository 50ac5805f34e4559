package mysql

import "fmt"

type queries struct {
	upsert           string
	selectPending    string
	selectOne        string
	updateFailureOne string
	updateDeadOne    string
	deleteOne        string
	countPending     string
	purgeDead        string
}

func newQueries(table string) queries {
	cols := "id, url, body, created_at, status, attempt_count, last_error"
	upsert := fmt.Sprintf(
		"INSERT INTO %s (id, url, body, created_at, status, attempt_count, last_error) VALUES (?, ?, ?, ?, ?, 0, NULL) AS new "+
			"ON DUPLICATE KEY UPDATE url = new.url, body = new.body, created_at = new.created_at, "+
			"status = new.status, attempt_count = 0, last_error = NULL",
		table,
	)
	selectPending := fmt.Sprintf(
		"SELECT %s FROM %s WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ? FOR UPDATE SKIP LOCKED",
		cols,
		table,
	)
	selectOne := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", cols, table)
	// A single-table UPDATE assigns left to right, so the new status is computed from a self join.
	updateFailureOne := fmt.Sprintf(
		"UPDATE %s AS cur "+
			"JOIN %s AS prev ON prev.id = cur.id "+
			"SET cur.attempt_count = prev.attempt_count + 1, cur.last_error = ?, "+
			"cur.status = CASE WHEN (prev.attempt_count + 1) >= ? THEN ? ELSE ? END "+
			"WHERE cur.id = ?",
		table,
		table,
	)
	updateDeadOne := fmt.Sprintf(
		"UPDATE %s SET attempt_count = attempt_count + 1, last_error = ?, status = ? WHERE id = ?",
		table,
	)
	deleteOne := fmt.Sprintf("DELETE FROM %s WHERE id = ?", table)
	countPending := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status = ?", table)
	purgeDead := fmt.Sprintf("DELETE FROM %s WHERE status = ? AND updated_at <= ? ORDER BY updated_at ASC, id ASC LIMIT ?", table)

	return queries{
		upsert:           upsert,
		selectPending:    selectPending,
		selectOne:        selectOne,
		updateFailureOne: updateFailureOne,
		updateDeadOne:    updateDeadOne,
		deleteOne:        deleteOne,
		countPending:     countPending,
		purgeDead:        purgeDead,
	}
}
