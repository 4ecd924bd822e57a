// Package chatlog implements the append-only chat history (§4.3): a text
// file is the source of truth across restarts, and an in-memory mirror —
// seeded from the file at startup — answers replay requests without a
// disk read on the hot path.
package chatlog

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Log appends chat lines to path and keeps an in-memory mirror for
// HistoryRequest replay (§4.5). No rotation, no deletion: the file is the
// permanent record.
type Log struct {
	mu    sync.Mutex
	path  string
	lines []string
	file  *os.File
}

// Open loads any existing history at path into the in-memory mirror and
// keeps the file open in append mode for subsequent writes.
func Open(path string) (*Log, error) {
	l := &Log{path: path}

	if existing, err := os.ReadFile(path); err == nil {
		for _, line := range strings.Split(strings.TrimRight(string(existing), "\n"), "\n") {
			if line != "" {
				l.lines = append(l.lines, line)
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("chatlog: read %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("chatlog: open %s: %w", path, err)
	}
	l.file = f
	return l, nil
}

// Close flushes and closes the backing file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Append writes "<sender>: <text>" to the log, stamped with a
// human-readable timestamp, and adds it to the in-memory mirror under the
// same lock as the file write (§4.3, §5). A write failure is logged and
// treated as non-fatal (§7 PersistenceFailure): the in-memory
// mirror — and therefore HistoryRequest replay — remains correct even if
// the file is temporarily unwritable.
func (l *Log) Append(sender, text string) {
	line := sender + ": " + text
	stamped := fmt.Sprintf("%s: %s\n", time.Now().Format("2006-01-02 15:04:05"), line)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.lines = append(l.lines, line)
	if _, err := l.file.WriteString(stamped); err != nil {
		log.Printf("[chatlog] append: %v", err)
	}
}

// Snapshot returns the full ordered history as it currently stands in the
// in-memory mirror.
func (l *Log) Snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

// SnapshotJoined returns Snapshot newline-joined, the exact payload shape
// HistoryResponse sends on the wire (§4.5).
func (l *Log) SnapshotJoined() string {
	return strings.Join(l.Snapshot(), "\n")
}
