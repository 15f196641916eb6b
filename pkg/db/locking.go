package db

import "gorm.io/gorm"

// RowLock returns the locking clause for single-row writer serialization.
// SQLite serializes writers itself and rejects the syntax.
func RowLock(db *gorm.DB) string {
	if db == nil || db.Dialector == nil || db.Dialector.Name() == "sqlite" {
		return ""
	}
	return " FOR UPDATE"
}

// SkipLocked returns the batch-claim locking clause used by sweep jobs so
// concurrent sweepers never block on each other's rows.
func SkipLocked(db *gorm.DB) string {
	if db == nil || db.Dialector == nil || db.Dialector.Name() == "sqlite" {
		return ""
	}
	return " FOR UPDATE SKIP LOCKED"
}
