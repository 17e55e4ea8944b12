// Package storage persists scheduled actions and their run log.
//
// Drivers: memory, file (JSON snapshot + JSONL journal), sqlite and redis.
// Every driver stores the interval in its canonical <count><letter> form.
package storage
