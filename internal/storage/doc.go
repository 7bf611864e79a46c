package storage

// Package storage provides the persistence layer behind the delivery
// pipeline.
//
// It currently holds:
//   - Keyed buckets (capability cache, cross-reference mapping)
//   - The durable retry queue
//   - The per-(destination, consumer) pause table
