package mysql

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	id BINARY(16) NOT NULL,
	url VARCHAR(2048) NOT NULL,
	body %s NOT NULL,
	status SMALLINT NOT NULL DEFAULT 0,
	attempt_count INT NOT NULL DEFAULT 0,
	last_error VARCHAR(1024) NULL,
	created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
	PRIMARY KEY (id),
	INDEX idx_status_created (status, created_at, id),
	INDEX idx_status_updated (status, updated_at)
);`

const (
	bodyJSON   = "JSON"
	bodyBinary = "LONGBLOB"
)

// Schema returns the DDL for a submissions table with a JSON body column.
func Schema(table string) (string, error) {
	return buildSchema(table, bodyJSON)
}

// SchemaBinary returns the DDL for a submissions table storing the body as raw bytes.
func SchemaBinary(table string) (string, error) {
	return buildSchema(table, bodyBinary)
}

// EnsureSchema creates the submissions table when it does not exist.
func EnsureSchema(ctx context.Context, db *sql.DB, table string) error {
	if db == nil {
		return ErrDBRequired
	}
	ddl, err := Schema(table)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("outbox mysql: create schema failed: %w", err)
	}

	return nil
}

func buildSchema(table, bodyType string) (string, error) {
	name, err := sanitizeTableName(table)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(schemaTemplate, name, bodyType), nil
}
