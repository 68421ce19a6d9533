// Package storage provides the bot's small persistence layer.
//
// It holds:
//   - Per-channel transcripts for transports without a history API
//   - The optional durable rule ledger (rule name -> last consumed key)
//   - Audit log appends (operator actions)
package storage
