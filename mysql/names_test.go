package mysql

import (
	"errors"
	"strings"
	"testing"
)

func TestSanitizeTableName(t *testing.T) {
	valid := []string{"outbox_submissions", "forms.outbox_submissions", "OUTBOX_1", strings.Repeat("t", maxIdentifierLen)}
	for _, name := range valid {
		if _, err := sanitizeTableName(name); err != nil {
			t.Fatalf("expected valid name %q: %v", name, err)
		}
	}

	invalid := []string{
		"outbox;drop",
		"outbox-1",
		"schema..outbox",
		"schema.outbox;",
		"a.b.c",
		strings.Repeat("t", maxIdentifierLen+1),
	}
	for _, name := range invalid {
		if _, err := sanitizeTableName(name); !errors.Is(err, ErrInvalidTableName) {
			t.Fatalf("expected ErrInvalidTableName for %q, got %v", name, err)
		}
	}

	if _, err := sanitizeTableName(""); !errors.Is(err, ErrTableNameRequired) {
		t.Fatalf("expected ErrTableNameRequired, got %v", err)
	}
}
