package stream

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/message"
)

const (
	metaFile = "meta.json"
	logFile  = "log.jsonl"

	opMsg = "msg"
	opDel = "del"
	opSeq = "seq"

	maxRecordSize = 64 << 20
)

// backend persists stream mutations. The memory backend does nothing.
type backend interface {
	append(m *message.Msg) error
	remove(seq uint64) error
	// rewrite replaces the log with last and the surviving messages
	rewrite(last uint64, msgs []*message.Msg) error
	// tombstones returns removals written since the last rewrite
	tombstones() int
	saveMeta(meta streamMeta) error
	close() error
	destroy() error
}

type memoryBackend struct{}

func (memoryBackend) append(*message.Msg) error { return nil }
func (memoryBackend) remove(uint64) error { return nil }
func (memoryBackend) rewrite(uint64, []*message.Msg) error { return nil }
func (memoryBackend) tombstones() int { return 0 }
func (memoryBackend) saveMeta(streamMeta) error { return nil }
func (memoryBackend) close() error { return nil }
func (memoryBackend) destroy() error { return nil }

// streamMeta is persisted next to the log
type streamMeta struct {
	Config  Config    `json:"config"`
	Created time.Time `json:"created"`
}

// record is one line of the operation log
type record struct {
	Op      string         `json:"op"`
	Seq     uint64         `json:"seq"`
	Subject string         `json:"subj,omitempty"`
	Header  message.Header `json:"hdr,omitempty"`
	Data    []byte         `json:"data,omitempty"`
	Time    int64          `json:"ts,omitempty"`
}

func msgRecord(m *message.Msg) record {
	return record{
		Op:      opMsg,
		Seq:     m.Sequence(),
		Subject: m.Subject(),
		Header:  m.Header(),
		Data:    m.RawData(),
		Time:    m.Time().UnixNano(),
	}
}

func (r record) msg() *message.Msg {
	return message.New(r.Subject, r.Data,
		message.WithHeaders(r.Header),
		message.WithSequence(r.Seq),
		message.WithTime(time.Unix(0, r.Time)))
}

// fileBackend keeps dir/meta.json and an append-only JSON-lines log
type fileBackend struct {
	dir    string
	log    *os.File
	logger *slog.Logger
	dead   int
}

func openFileBackend(dir string, logger *slog.Logger) (*fileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WrapFatal(err, "FileStore", "open", "create stream directory")
	}
	f, err := os.OpenFile(filepath.Join(dir, logFile), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.WrapFatal(err, "FileStore", "open", "open log")
	}
	return &fileBackend{dir: dir, log: f, logger: logger}, nil
}

// replay feeds every record to apply. A corrupt line ends the replay and the
// log is truncated to the last good record.
func (b *fileBackend) replay(apply func(record)) error {
	if _, err := b.log.Seek(0, 0); err != nil {
		return errors.WrapFatal(err, "FileStore", "replay", "rewind log")
	}

	scanner := bufio.NewScanner(b.log)
	scanner.Buffer(make([]byte, 0, 64<<10), maxRecordSize)

	var offset int64
	corrupt := false
	for scanner.Scan() {
		line := scanner.Bytes()
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil || rec.Op == "" {
			b.logger.Warn("Corrupt stream log record, truncating", "dir", b.dir, "offset", offset)
			corrupt = true
			break
		}
		offset += int64(len(line)) + 1
		if rec.Op == opDel {
			b.dead++
		}
		apply(rec)
	}
	if err := scanner.Err(); err != nil && !corrupt {
		b.logger.Warn("Unreadable stream log tail, truncating", "dir", b.dir, "offset", offset, "error", err)
		corrupt = true
	}
	if corrupt {
		if err := b.log.Truncate(offset); err != nil {
			return errors.WrapFatal(err, "FileStore", "replay", "truncate corrupt tail")
		}
	}
	end, err := b.log.Seek(0, 2)
	if err != nil {
		return errors.WrapFatal(err, "FileStore", "replay", "seek to end")
	}
	if offset > end {
		// last record had no newline
		if _, err := b.log.Write([]byte{'\n'}); err != nil {
			return errors.WrapFatal(err, "FileStore", "replay", "terminate last record")
		}
	}
	return nil
}

func (b *fileBackend) write(rec record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapInvalid(err, "FileStore", "write", "encode record")
	}
	if _, err := b.log.Write(append(line, '\n')); err != nil {
		return errors.WrapTransient(err, "FileStore", "write", "append record")
	}
	return nil
}

func (b *fileBackend) append(m *message.Msg) error {
	return b.write(msgRecord(m))
}

func (b *fileBackend) remove(seq uint64) error {
	if err := b.write(record{Op: opDel, Seq: seq}); err != nil {
		return err
	}
	b.dead++
	return nil
}

func (b *fileBackend) tombstones() int {
	return b.dead
}

func (b *fileBackend) rewrite(last uint64, msgs []*message.Msg) error {
	path := filepath.Join(b.dir, logFile)
	tmp := path + ".tmp"

	err := writeFileAtomic(tmp, path, func(w *bufio.Writer) error {
		enc := json.NewEncoder(w)
		if err := enc.Encode(record{Op: opSeq, Seq: last}); err != nil {
			return err
		}
		for _, m := range msgs {
			if err := enc.Encode(msgRecord(m)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.WrapTransient(err, "FileStore", "rewrite", "compact log")
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return errors.WrapFatal(err, "FileStore", "rewrite", "reopen log")
	}
	_ = b.log.Close()
	b.log = f
	b.dead = 0
	return nil
}

func (b *fileBackend) saveMeta(meta streamMeta) error {
	path := filepath.Join(b.dir, metaFile)
	err := writeFileAtomic(path+".tmp", path, func(w *bufio.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(meta)
	})
	if err != nil {
		return errors.WrapTransient(err, "FileStore", "saveMeta", "write meta")
	}
	return nil
}

func (b *fileBackend) close() error {
	if err := b.log.Sync(); err != nil {
		_ = b.log.Close()
		return errors.WrapTransient(err, "FileStore", "close", "sync log")
	}
	return b.log.Close()
}

func (b *fileBackend) destroy() error {
	_ = b.log.Close()
	if err := os.RemoveAll(b.dir); err != nil {
		return errors.WrapTransient(err, "FileStore", "destroy", "remove stream directory")
	}
	return nil
}

func loadMeta(dir string) (streamMeta, error) {
	var meta streamMeta
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, errors.WrapInvalid(err, "FileStore", "loadMeta", "decode meta")
	}
	return meta, nil
}

// writeFileAtomic writes tmp through fill, syncs it and renames it over path
func writeFileAtomic(tmp, path string, fill func(*bufio.Writer) error) error {
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := fill(w); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	if d, err := os.Open(filepath.Dir(path)); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
