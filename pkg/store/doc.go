// Package store implements Hydra's persistence on a single embedded
// SQLite file via sqlx. Schema migration on startup is idempotent
// CREATE-IF-NOT-EXISTS; foreign keys are enforced and the busy timeout is
// five seconds. All timestamps are stored in UTC.
package store
