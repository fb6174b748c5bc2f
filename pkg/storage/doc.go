// Package storage persists modules, their dependency rows and tenant
// installations over database/sql. The same SQL layer runs on sqlite
// (default, also used in tests via :memory:) and postgres.
package storage
