package logging

import (
	"fmt"
	"strings"
	"sync"
)

// MemoryCapacity is the number of diagnostic lines kept for operators.
const MemoryCapacity = 100

const memoryTimeLayout = "2006-01-02 15:04:05,000"

// MemoryLogEntry is one emitted log line as shown on the diagnostics feed.
type MemoryLogEntry struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Name      string `json:"name"`
}

// MemoryBuffer is a fixed-capacity FIFO of recent log lines. When full, each
// append evicts exactly the oldest entry. Entries are never modified after
// insertion.
type MemoryBuffer struct {
	mu      sync.RWMutex
	entries []MemoryLogEntry
	head    int // index of the oldest entry
	count   int
}

func NewMemoryBuffer(capacity int) *MemoryBuffer {
	if capacity <= 0 {
		capacity = MemoryCapacity
	}
	return &MemoryBuffer{entries: make([]MemoryLogEntry, capacity)}
}

var diagnostics = NewMemoryBuffer(MemoryCapacity)

// Diagnostics returns the process-wide buffer. It lives until the process exits.
func Diagnostics() *MemoryBuffer {
	return diagnostics
}

func (b *MemoryBuffer) Append(entry MemoryLogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := len(b.entries)
	if b.count < size {
		b.entries[(b.head+b.count)%size] = entry
		b.count++
		return
	}
	b.entries[b.head] = entry
	b.head = (b.head + 1) % size
}

// Recent returns up to k of the newest entries, oldest first.
func (b *MemoryBuffer) Recent(k int) []MemoryLogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if k <= 0 {
		return []MemoryLogEntry{}
	}
	if k > b.count {
		k = b.count
	}

	size := len(b.entries)
	out := make([]MemoryLogEntry, k)
	start := b.head + b.count - k
	for i := 0; i < k; i++ {
		out[i] = b.entries[(start+i)%size]
	}
	return out
}

func (b *MemoryBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

func (b *MemoryBuffer) Cap() int {
	return len(b.entries)
}

// Fire implements Hook.
func (b *MemoryBuffer) Fire(entry LogEntry) {
	b.Append(NewMemoryLogEntry(entry))
}

func NewMemoryLogEntry(entry LogEntry) MemoryLogEntry {
	ts := entry.Timestamp.Format(memoryTimeLayout)
	level := strings.ToUpper(entry.Level.String())

	msg := entry.Message
	if entry.Action != "" {
		msg = entry.Action + ": " + msg
	}
	if entry.Error != "" {
		msg += " error=" + entry.Error
	}

	return MemoryLogEntry{
		Level:     level,
		Message:   fmt.Sprintf("%s - %s - %s - %s", ts, entry.Component, level, msg),
		Timestamp: ts,
		Name:      entry.Component,
	}
}
