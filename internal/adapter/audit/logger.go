// Package audit appends one line per privileged Admin API action to
// audit_log.txt (spec.md §6). The line is written synchronously after the
// command runs; a write failure never fails the command that triggered it.
package audit

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/balanzlc/balanz/internal/domain"
)

// Logger appends audit lines to a single text file, serialized by mu since
// multiple admin connections may dispatch commands concurrently.
type Logger struct {
	mu   sync.Mutex
	path string
}

func NewLogger(path string) *Logger {
	return &Logger{path: path}
}

// Record writes one line: timestamp, acting user, command, outcome, and an
// optional detail (the command's params or its error).
func (l *Logger) Record(userID, command string, ok bool, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return domain.NewError(domain.KindTransient, "audit.Logger.Record", err)
	}
	defer f.Close()

	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	line := fmt.Sprintf("%s user=%s command=%s outcome=%s detail=%s\n",
		time.Now().Format(time.RFC3339), userID, command, outcome, detail)
	if _, err := f.WriteString(line); err != nil {
		return domain.NewError(domain.KindTransient, "audit.Logger.Record", err)
	}
	return nil
}
