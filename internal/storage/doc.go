// Package storage keeps the capture run history.
//
// Every started run ends in one record (succeeded or failed) and every
// rejected dispatch in a skipped record. Records are append-only; readers ask
// for the most recent ones per task.
package storage
