// Package mysql provides the shared MySQL connection pool and schema
// migration runner used by the session, automation, and ledger stores.
package mysql
