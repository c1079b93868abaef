// Package stream implements the persistent message log behind JetStream
// publishing and consumers.
//
// A Store holds streams. Each stream captures a set of subject patterns that
// must not overlap those of any other stream, so every subject maps to at
// most one stream. Appends to a stream are serialized and receive strictly
// increasing, gap-free sequence numbers; removed sequences are never reused.
//
// Limits (MaxMsgs, MaxBytes, MaxMsgsPerSubject, MaxAge) are enforced on
// append and by a janitor goroutine. With DiscardOld the oldest messages make
// room, with DiscardNew appends fail with errors.ErrStreamFull.
//
// Appends honour three headers:
//
//	Nats-Msg-Id                  deduplicate inside the Duplicates window
//	Nats-Expected-Last-Sequence  fail with ErrWrongLastSequence on mismatch
//	Nats-Expected-Stream         fail unless the subject lands in that stream
//
// File streams live in <dir>/<name>/ as meta.json plus log.jsonl, an
// append-only operation log of message and tombstone records. The log is
// replayed on NewStore and rewritten once enough tombstones accumulate or
// after a purge. A torn trailing record is truncated on replay.
package stream
