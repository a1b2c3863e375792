package snapshot

import (
	"context"
	"time"

	"notesync/pkg/logger"
	"notesync/pkg/metrics"
	"notesync/pkg/room"

	"github.com/sethvargo/go-retry"
)

// Sink is where captured snapshots go.
type Sink interface {
	WriteSnapshot(noteID, content, contributor string) (version uint64, err error)
}

// SessionSource enumerates the live sessions to sweep on the interval
// tick. The room registry satisfies it.
type SessionSource interface {
	Sessions() []*room.Session
}

// Snapshotter persists document versions on two triggers: a periodic
// interval sweep over every dirty room, and an ops-count kick fired as
// soon as a single room accumulates enough merged operations. A room that
// snapshots by ops count resets its counter, so the interval tick skips
// it until new edits land.
type Snapshotter struct {
	sink         Sink
	source       SessionSource
	interval     time.Duration
	opsThreshold int
	kick         chan *room.Session
}

func New(sink Sink, source SessionSource, interval time.Duration, opsThreshold int) *Snapshotter {
	if interval <= 0 {
		interval = time.Minute
	}
	if opsThreshold <= 0 {
		opsThreshold = 200
	}
	return &Snapshotter{
		sink:         sink,
		source:       source,
		interval:     interval,
		opsThreshold: opsThreshold,
		kick:         make(chan *room.Session, 64),
	}
}

// Watch subscribes to a session's document events so a burst of edits
// gets persisted without waiting for the next interval tick.
func (s *Snapshotter) Watch(sess *room.Session) {
	sess.Subscribe(func(ev room.Event) {
		if ev != room.EventDocChanged {
			return
		}
		if sess.DirtyOps() < s.opsThreshold {
			return
		}
		select {
		case s.kick <- sess:
		default:
			// a sweep is already overdue; the interval tick covers it
		}
	})
}

// Run drives the snapshot loop until the context ends.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sess := <-s.kick:
			s.maybeSnapshot(ctx, sess)
		case <-ticker.C:
			for _, sess := range s.source.Sessions() {
				s.maybeSnapshot(ctx, sess)
			}
		}
	}
}

// Final captures a last version from an evicted session so nothing merged
// since the previous snapshot is lost.
func (s *Snapshotter) Final(sess *room.Session) {
	s.maybeSnapshot(context.Background(), sess)
}

func (s *Snapshotter) maybeSnapshot(ctx context.Context, sess *room.Session) {
	content, contributor, ok := sess.CaptureSnapshot()
	if !ok {
		return
	}
	backoff := retry.WithMaxRetries(4, retry.NewExponential(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, werr := s.sink.WriteSnapshot(sess.ID, content, contributor)
		if werr != nil {
			return retry.RetryableError(werr)
		}
		return nil
	})
	if err != nil {
		metrics.SnapshotFailures.Inc()
		logger.Error("snapshot_failed", "room", sess.ID, "error", err)
		return
	}
	metrics.SnapshotsWritten.Inc()
	logger.Debug("snapshot_written", "room", sess.ID, "len", len(content))
}
