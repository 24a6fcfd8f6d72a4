// Package storage provides the GORM-backed run store: versioned
// compare-and-swap updates on runs, the atomic claim-next primitive, and
// append-only step and event tables.
package storage
