package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tidwall/sjson"
	"session-capture-proxy/pkg/store"
	"session-capture-proxy/pkg/types"
)

// reporter writes one JSON line per session event and persists captures
// when a store is configured. It implements monitor.Listener.
type reporter struct {
	out    io.Writer
	logger *Logger
	store  *store.Store

	mu        sync.Mutex
	captured  bool
	lastCount int
}

func newReporter(out io.Writer, logger *Logger, st *store.Store) *reporter {
	return &reporter{out: out, logger: logger, store: st}
}

func (r *reporter) OnCredential(sessionID string, cred *types.Credential) {
	r.logger.LogCredential(sessionID, cred)

	line := `{"type":"credential"}`
	line, _ = sjson.Set(line, "session", sessionID)
	line, _ = sjson.Set(line, "host", cred.Host)
	line, _ = sjson.Set(line, "path", cred.Path)
	line, _ = sjson.Set(line, "cookie", cred.String())
	line, _ = sjson.Set(line, "hasKey", cred.HasKey)
	line, _ = sjson.Set(line, "hasToken", cred.HasToken)
	line, _ = sjson.Set(line, "at", time.Now().Format(time.RFC3339))
	r.write(line)

	r.mu.Lock()
	r.captured = true
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveCredential(context.Background(), sessionID, cred); err != nil {
			r.logger.LogError("Failed to persist credential", err)
		}
	}
}

// OnRecords receives the cumulative list; only the new tail is written.
func (r *reporter) OnRecords(sessionID string, records []types.Record, label string) {
	r.mu.Lock()
	from := r.lastCount
	if from > len(records) {
		from = 0
	}
	r.lastCount = len(records)
	r.mu.Unlock()

	fresh := records[from:]
	r.logger.LogRecords(sessionID, len(records), label)

	line := `{"type":"records","records":[]}`
	line, _ = sjson.Set(line, "session", sessionID)
	line, _ = sjson.Set(line, "label", label)
	line, _ = sjson.Set(line, "total", len(records))
	for i, rec := range fresh {
		line, _ = sjson.Set(line, fmt.Sprintf("records.%d", i), rec)
	}
	r.write(line)

	if r.store != nil && len(fresh) > 0 {
		n, err := r.store.SaveRecords(context.Background(), sessionID, label, fresh)
		if err != nil {
			r.logger.LogError("Failed to persist records", err)
			return
		}
		r.logger.Debug("Records persisted", "new", n)
	}
}

func (r *reporter) OnError(sessionID string, err error) {
	r.logger.LogError("Session error", err)

	line := `{"type":"error"}`
	line, _ = sjson.Set(line, "session", sessionID)
	line, _ = sjson.Set(line, "message", types.UserMessage(err))
	line, _ = sjson.Set(line, "error", err.Error())
	r.write(line)
}

// Captured reports whether any credential was seen.
func (r *reporter) Captured() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.captured
}

func (r *reporter) write(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, line)
}
