// Package sqlite provides the modernc.org/sqlite backed persistence driver.
//
// The package mirrors the postgres driver layout while supplying SQLite
// specific connection management, embedded migrations, and repository
// implementations of the store contract.
package sqlite
