// Package postgres provides the pgx backed persistence driver. It implements
// the store.Store contract over a pgxpool.Pool with goose-managed migrations
// and mirrors the sqlite driver semantics: identical ordering guarantees,
// confirm gates and NOT_FOUND mapping, so callers can swap drivers through
// configuration alone.
package postgres
