// Package postgres provides the PostgreSQL implementations of the storage
// interfaces: the durable task queue store and the pipeline checkpoint
// store. It owns query execution, error mapping to the sentinel errors in
// internal/store, and the schema migrations.
package postgres
