// Package storage is the document store behind channels, jobs, runs, events
// and reservations.
//
// Documents are JSON objects addressed by (collection, id). Drivers:
//   - "sqlite": one table of JSON documents, filters via json_extract
//   - "memory": process-local maps, used by tests and dry runs
package storage
