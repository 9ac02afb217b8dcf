package storage

import "gorm.io/gorm/clause"

// skipLockedClause builds the FOR UPDATE SKIP LOCKED clause used by the
// reconciler to serialize access to Order rows without starving other
// workers (§5 "Locking discipline"). SQLite ignores locking clauses
// silently (single-writer already), so this is a no-op there and only
// takes effect against Postgres.
func skipLockedClause() clause.Expression {
	return clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}
}
