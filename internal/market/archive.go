package market

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"agentmarket/internal/inft"
)

const (
	DefaultArchiveBatch  = 500
	DefaultArchiveMinAge = 24 * time.Hour
)

// Archiver copies settled inference logs to the object store as JSONL and
// then stamps them archived. Rows are never deleted.
type Archiver struct {
	store   Store
	objects inft.ObjectStore
	batch   int
	minAge  time.Duration
	now     func() time.Time
	log     *slog.Logger
}

func NewArchiver(store Store, objects inft.ObjectStore, batch int, minAge time.Duration, opts Options) *Archiver {
	opts = opts.withDefaults()
	if batch <= 0 {
		batch = DefaultArchiveBatch
	}
	if minAge < 0 {
		minAge = DefaultArchiveMinAge
	}
	return &Archiver{
		store:   store,
		objects: objects,
		batch:   batch,
		minAge:  minAge,
		now:     opts.Now,
		log:     opts.Logger.With("component", "archiver"),
	}
}

func archiveKey(first InferenceLog, lastID int64) string {
	day := first.CreatedAt.UTC()
	return fmt.Sprintf("inference-logs/%04d/%02d/%02d/%d-%d.jsonl", day.Year(), day.Month(), day.Day(), first.ID, lastID)
}

// RunOnce archives at most one batch. It returns how many logs were archived.
func (a *Archiver) RunOnce(ctx context.Context) (int, error) {
	now := a.now().UTC()
	logs, err := a.store.ListUnarchivedInferenceLogs(ctx, now.Add(-a.minAge), a.batch)
	if err != nil {
		return 0, persistence("list unarchived logs", err)
	}
	if len(logs) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	ids := make([]int64, 0, len(logs))
	for _, l := range logs {
		if err := enc.Encode(l); err != nil {
			return 0, fmt.Errorf("encode log %d: %w", l.ID, err)
		}
		ids = append(ids, l.ID)
	}

	key := archiveKey(logs[0], logs[len(logs)-1].ID)
	// A crash after the upload leaves the rows unarchived; the retry finds
	// the object under the same key and only stamps the rows.
	uploaded, err := a.objects.Exists(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", key, err)
	}
	if uploaded {
		a.log.WarnContext(ctx, "archive object already present", "key", key)
	} else if err := a.objects.Put(ctx, key, "application/x-ndjson", buf.Bytes()); err != nil {
		return 0, fmt.Errorf("put %s: %w", key, err)
	}
	if err := a.store.MarkInferenceLogsArchived(ctx, ids, now); err != nil {
		return 0, persistence("mark archived", err)
	}
	a.log.InfoContext(ctx, "inference logs archived", "count", len(ids), "key", key)
	return len(ids), nil
}

// Drain runs batches until none is left or ctx ends.
func (a *Archiver) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := a.RunOnce(ctx)
		total += n
		if err != nil || n < a.batch {
			return total, err
		}
	}
}
