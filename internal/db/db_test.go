package db

import (
	"fmt"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestOpenInvalidDSN(t *testing.T) {
	if _, err := Open("invalid-dsn-for-testing"); err == nil {
		t.Errorf("expected error for invalid DSN, got nil")
	}
}

func TestMigrateCreatesSchema(t *testing.T) {
	gdb, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := Migrate(gdb); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}

	for _, table := range []string{"personality_states", "quirks", "needs", "memory_conflicts", "consolidation_runs"} {
		if !gdb.Migrator().HasTable(table) {
			t.Errorf("table %s not created", table)
		}
	}
}
