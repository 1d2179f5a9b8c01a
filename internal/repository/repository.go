// Package repository wires the configured state store.
package repository

import (
	"github.com/jaakkos/leadline/internal/repository/sqlstore"
)

// NewStateRepository opens the state store for driver ("sqlite" or "postgres").
// For sqlite, dsn is the database file path (policy.DatabaseDSN defaults it
// to ~/.config/leadline/leadline.sqlite).
func NewStateRepository(driver, dsn string) (*sqlstore.Store, error) {
	if driver == "" {
		driver = sqlstore.DriverSQLite
	}
	return sqlstore.Open(driver, dsn)
}
