// Package archive snapshots the record store before it is cleared. A
// snapshot is JSON lines compressed with zstd, optionally sealed with
// AES-256-GCM, and handed to a Store.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/auditmos/adminpanel/storage"
	"github.com/klauspost/compress/zstd"
)

// Store persists one named archive and returns where it went.
type Store interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// Encode renders records as zstd-compressed JSON lines.
func Encode(records []*storage.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("create encoder: %w", err)
	}

	jw := json.NewEncoder(enc)
	for _, rec := range records {
		if err := jw.Encode(rec); err != nil {
			enc.Close()
			return nil, fmt.Errorf("encode record %s: %w", rec.ID, err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("flush encoder: %w", err)
	}
	return buf.Bytes(), nil
}

func Decode(data []byte) ([]*storage.Record, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	defer dec.Close()

	records := []*storage.Record{}
	scanner := bufio.NewScanner(dec)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		rec := &storage.Record{}
		if err := json.Unmarshal(scanner.Bytes(), rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	return records, nil
}

type Archiver struct {
	store Store
	key   []byte
	now   func() time.Time
}

// NewArchiver seals archives when key is non-nil.
func NewArchiver(store Store, key []byte) *Archiver {
	return &Archiver{store: store, key: key, now: time.Now}
}

// Archive writes records to the store and returns the archive location.
func (a *Archiver) Archive(ctx context.Context, records []*storage.Record) (string, error) {
	data, err := Encode(records)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("records-%s.jsonl.zst", a.now().UTC().Format("20060102T150405.000Z"))
	if a.key != nil {
		data, err = Seal(data, a.key)
		if err != nil {
			return "", fmt.Errorf("seal archive: %w", err)
		}
		name += ".enc"
	}

	location, err := a.store.Put(ctx, name, data)
	if err != nil {
		return "", fmt.Errorf("store archive %s: %w", name, err)
	}
	return location, nil
}

// Read reverses Archive for data fetched from a store.
func Read(data, key []byte) ([]*storage.Record, error) {
	if key != nil {
		var err error
		data, err = Open(data, key)
		if err != nil {
			return nil, err
		}
	}
	return Decode(data)
}
