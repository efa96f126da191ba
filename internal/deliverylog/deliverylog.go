// Package deliverylog appends one line per successful per-device delivery
// to a rotating file, batching writes so the egress hot path never blocks
// on disk I/O.
package deliverylog

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fieldbridge/databridge/internal/events"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
)

// Log is a best-effort, non-blocking sink for DeliveryRecords: a
// dropped or delayed log line never holds up a send, and a full disk never
// crashes the pipeline.
type Log struct {
	path        string
	maxSize     int64
	backupCount int
	log         *slog.Logger

	mu      sync.Mutex
	pending []events.DeliveryRecord
	file    *os.File
	size    int64

	flushInterval time.Duration
	batchSize     int

	closeOnce sync.Once
	kick      chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
}

// Option configures non-default batching behavior, primarily for tests.
type Option func(*Log)

// WithBatching overrides the default batch size / flush interval.
func WithBatching(size int, interval time.Duration) Option {
	return func(l *Log) {
		l.batchSize = size
		l.flushInterval = interval
	}
}

// Open creates (or appends to) the delivery log file at path, rotating
// when it exceeds maxSize bytes and keeping up to backupCount rotated
// files (logging.max_size / logging.backup_count).
func Open(path string, maxSize int64, backupCount int, log *slog.Logger, opts ...Option) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open delivery log %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat delivery log %s: %w", path, err)
	}

	l := &Log{
		path:          path,
		maxSize:       maxSize,
		backupCount:   backupCount,
		log:           log,
		file:          f,
		size:          info.Size(),
		flushInterval: defaultFlushInterval,
		batchSize:     defaultBatchSize,
		kick:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	l.wg.Add(1)
	go l.flushLoop()
	return l, nil
}

// Record enqueues a delivery record for the next batch flush. It never
// performs I/O on the caller's goroutine: a full batch only nudges the
// background flush loop, so disk writes and rotation can't stall the
// egress hot path. A failed write drops that batch rather than applying
// backpressure to the Egress Client.
func (l *Log) Record(r events.DeliveryRecord) {
	l.mu.Lock()
	l.pending = append(l.pending, r)
	full := len(l.pending) >= l.batchSize
	l.mu.Unlock()
	if full {
		select {
		case l.kick <- struct{}{}:
		default:
		}
	}
}

func (l *Log) flushLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.flush()
		case <-l.kick:
			l.flush()
		case <-l.done:
			l.flush()
			return
		}
	}
}

// flush writes every pending record as one literal line each:
// "<YYYY-MM-DD HH:MM:SS> | INFO | Data sent | device_id=<id> | object=<obj> | value=<v>"
func (l *Log) flush() {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	var buf bytes.Buffer
	for _, r := range batch {
		fmt.Fprintf(&buf, "%s | INFO | Data sent | device_id=%s | object=%s | value=%s\n",
			r.Timestamp.Format("2006-01-02 15:04:05"), r.DeviceID, r.Object, r.Value)
		l.log.Debug("data sent", "device_id", r.DeviceID, "object", r.Object, "value", r.Value, "trace_id", r.TraceID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.file.Write(buf.Bytes())
	if err != nil {
		l.log.Warn("delivery log write failed", "error", err, "records", len(batch))
		return
	}
	l.size += int64(n)
	if len(batch) > 20 {
		l.log.Info("delivery log flushed batch", "records", len(batch))
	}
	if l.size >= l.maxSize {
		l.rotateLocked()
	}
}

// rotateLocked renames the current file to a timestamped backup and opens
// a fresh one, trimming backups beyond backupCount. Caller holds l.mu.
func (l *Log) rotateLocked() {
	l.file.Close()

	backup := fmt.Sprintf("%s.%s", l.path, time.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(l.path, backup); err != nil {
		l.log.Warn("delivery log rotation failed", "error", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.log.Warn("delivery log reopen after rotation failed", "error", err)
		return
	}
	l.file = f
	l.size = 0

	l.pruneBackups()
}

// pruneBackups removes the oldest rotated backups beyond backupCount.
// Backups are named "<path>.<timestamp>", so lexical sort is chronological.
func (l *Log) pruneBackups() {
	matches, err := filepath.Glob(l.path + ".*")
	if err != nil {
		l.log.Warn("delivery log backup glob failed", "error", err)
		return
	}
	if len(matches) <= l.backupCount {
		return
	}
	sort.Strings(matches)
	excess := matches[:len(matches)-l.backupCount]
	for _, path := range excess {
		if err := os.Remove(path); err != nil {
			l.log.Warn("delivery log backup prune failed", "path", path, "error", err)
		}
	}
}

// Close flushes any pending records and stops the background flush loop.
func (l *Log) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	waitCh := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
