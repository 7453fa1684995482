// Package audioqueue implements the per-session audio log at the heart of the
// coordination engine: an append-only, timestamp-ordered sequence of immutable
// chunks with any number of independent, non-destructive reader cursors.
//
// One wake-word reader, one VAD reader and one recorder can all walk the same
// session's audio at their own pace; none of them consumes data out from under
// the others. Capacity pressure evicts oldest-first and is accounted for, not
// hidden: lagging readers are warned, a drop counter is exposed, and timestamp
// ranges that touched evicted data say so.
package audioqueue

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/JonesHong/ASRHub-sub000/internal/asrerr"
	"github.com/JonesHong/ASRHub-sub000/internal/observe"
	"github.com/JonesHong/ASRHub-sub000/pkg/audio"
)

// ErrClosed is returned by operations on a queue that has been removed from
// its manager.
var ErrClosed = errors.New("audioqueue: queue is closed")

// DefaultMaxDuration is the audio span retained per session when the config
// does not say otherwise. Generous enough for pre-roll plus the longest
// expected utterance.
const DefaultMaxDuration = 30 * time.Second

// Config configures a single session queue.
type Config struct {
	// SessionID is the owning session, used in logs and stats.
	SessionID string

	// MaxDuration caps the retained audio span (newest end minus oldest
	// start). Zero means DefaultMaxDuration; negative disables the cap.
	MaxDuration time.Duration

	// MaxBytes caps retained PCM bytes. Zero disables the cap.
	MaxBytes int

	// Logger for eviction warnings. Nil means slog.Default().
	Logger *slog.Logger

	// Metrics records push/drop/depth instruments. Nil disables recording.
	Metrics *observe.Metrics

	// Now supplies wall-clock time; injectable for tests. Nil means time.Now.
	Now func() time.Time
}

// cursor is one reader's bookmark. seq identifies the last chunk the reader
// has seen; ts mirrors that chunk's timestamp for stats.
type cursor struct {
	seq       uint64
	ts        time.Duration
	warnedLag bool
}

// Queue is a per-session, append-only, timestamp-ordered chunk log.
// All methods are safe for concurrent use.
type Queue struct {
	cfg   Config
	epoch time.Time

	mu      sync.Mutex
	chunks  []audio.Chunk
	readers map[string]*cursor
	bytes   int
	nextSeq uint64
	lastEnd time.Duration
	dropped uint64
	// evictedBefore is the high-water end timestamp of everything ever
	// evicted or cleared; evictedAny records whether that ever happened.
	evictedBefore time.Duration
	evictedAny    bool
	closed        bool
	// notify is closed and replaced on every push, waking blocked readers.
	notify chan struct{}
}

// Stats is a point-in-time snapshot of queue state.
type Stats struct {
	SessionID string
	Chunks    int
	Bytes     int
	Dropped   uint64
	Readers   int
	Oldest    time.Duration
	NewestEnd time.Duration
}

// New creates an empty queue. The session epoch (timestamp zero) is the
// moment of creation.
func New(cfg Config) *Queue {
	if cfg.MaxDuration == 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Queue{
		cfg:     cfg,
		epoch:   cfg.Now(),
		readers: make(map[string]*cursor),
		notify:  make(chan struct{}),
	}
}

// SessionTime returns the current offset from the session epoch, the "now"
// used for tail-padding and server-assigned timestamps.
func (q *Queue) SessionTime() time.Duration {
	return q.cfg.Now().Sub(q.epoch)
}

// Push appends a chunk with a server-assigned timestamp: the arrival offset
// from the session epoch, clamped forward so timestamps never regress below
// the previous chunk's end. Never blocks. Returns the stored chunk (with its
// assigned timestamp and sequence) and the number of chunks evicted to make
// room.
func (q *Queue) Push(pcm []byte, format audio.Format) (audio.Chunk, int, error) {
	ts := q.SessionTime()
	return q.PushAt(pcm, format, ts)
}

// PushAt appends a chunk with a caller-supplied timestamp. Timestamps that
// would break monotonicity are clamped forward to the previous chunk's end;
// the chunk is never rejected for ordering. Never blocks.
func (q *Queue) PushAt(pcm []byte, format audio.Format, ts time.Duration) (audio.Chunk, int, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return audio.Chunk{}, 0, ErrClosed
	}

	if ts < q.lastEnd {
		ts = q.lastEnd
	}
	q.nextSeq++
	c := audio.Chunk{
		PCM:       pcm,
		Format:    format,
		Timestamp: ts,
		Sequence:  q.nextSeq,
	}
	q.chunks = append(q.chunks, c)
	q.bytes += len(pcm)
	if end := c.End(); end > q.lastEnd {
		q.lastEnd = end
	}

	evicted := q.evictLocked()

	// Wake blocked readers: close the current generation and start a new one.
	close(q.notify)
	q.notify = make(chan struct{})
	q.mu.Unlock()

	if m := q.cfg.Metrics; m != nil {
		ctx := context.Background()
		m.ChunkPushes.Add(ctx, 1)
		m.BufferedChunks.Add(ctx, 1-int64(evicted))
		if evicted > 0 {
			m.ChunkDrops.Add(ctx, int64(evicted))
		}
	}
	return c, evicted, nil
}

// evictLocked drops oldest chunks until the queue is back under its caps,
// never touching the newest chunk. Readers that had not yet consumed an
// evicted chunk are warned once per lag episode. Returns the eviction count.
func (q *Queue) evictLocked() int {
	cut := 0
	for cut < len(q.chunks)-1 {
		over := false
		if q.cfg.MaxBytes > 0 && q.bytes > q.cfg.MaxBytes {
			over = true
		}
		if q.cfg.MaxDuration > 0 && q.lastEnd-q.chunks[cut].Timestamp > q.cfg.MaxDuration {
			over = true
		}
		if !over {
			break
		}
		q.bytes -= len(q.chunks[cut].PCM)
		cut++
	}
	if cut == 0 {
		return 0
	}

	last := q.chunks[cut-1]
	if end := last.End(); end > q.evictedBefore {
		q.evictedBefore = end
	}
	q.evictedAny = true
	q.dropped += uint64(cut)

	for id, cur := range q.readers {
		if cur.seq < last.Sequence && !cur.warnedLag {
			cur.warnedLag = true
			q.cfg.Logger.Warn("audioqueue: reader outpaced by eviction, unseen chunks dropped",
				"session_id", q.cfg.SessionID,
				"reader_id", id,
				"evicted_through", last.End(),
			)
		}
	}

	// Copy survivors to a fresh slice so evicted PCM becomes collectable.
	rest := make([]audio.Chunk, len(q.chunks)-cut)
	copy(rest, q.chunks[cut:])
	q.chunks = rest
	return cut
}

// ReadFrom returns every chunk with Timestamp >= from visible at call time
// and seeks the reader's cursor to the last returned chunk. This is the one
// operation allowed to move a cursor backward (pre-roll re-reads). The reader
// is registered on first use. Non-destructive: other readers are unaffected.
func (q *Queue) ReadFrom(readerID string, from time.Duration) []audio.Chunk {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur := q.readerLocked(readerID)
	i := sort.Search(len(q.chunks), func(i int) bool {
		return q.chunks[i].Timestamp >= from
	})
	if i == len(q.chunks) {
		return nil
	}
	out := make([]audio.Chunk, len(q.chunks)-i)
	copy(out, q.chunks[i:])

	last := out[len(out)-1]
	cur.seq, cur.ts = last.Sequence, last.Timestamp
	cur.warnedLag = false
	return out
}

// ReadBlocking waits for the next chunk this reader has not yet seen. It
// returns asrerr.ReadTimeout when timeout elapses first (timeout <= 0 waits
// indefinitely), ctx.Err() on cancellation, and ErrClosed once the queue is
// torn down. The wait parks on a broadcast channel; it never spins and never
// holds the queue lock.
func (q *Queue) ReadBlocking(ctx context.Context, readerID string, timeout time.Duration) (audio.Chunk, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return audio.Chunk{}, ErrClosed
		}
		cur := q.readerLocked(readerID)
		i := sort.Search(len(q.chunks), func(i int) bool {
			return q.chunks[i].Sequence > cur.seq
		})
		if i < len(q.chunks) {
			c := q.chunks[i]
			cur.seq, cur.ts = c.Sequence, c.Timestamp
			cur.warnedLag = false
			q.mu.Unlock()
			return c, nil
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-wait:
		case <-expired:
			return audio.Chunk{}, asrerr.Newf(asrerr.ReadTimeout,
				"reader %q saw no chunk within %s", readerID, timeout)
		case <-ctx.Done():
			return audio.Chunk{}, ctx.Err()
		}
	}
}

// RangeBetween returns the chunks overlapping [t0, t1]: every chunk whose
// audio covers any instant in the range. The range is clamped to retained
// data. When part of the requested range was already evicted (or cleared),
// the surviving chunks are returned together with an asrerr.RangeEvicted
// error so the caller can account for the partial capture; a range that never
// had data is not an eviction. Cursors are not moved.
func (q *Queue) RangeBetween(t0, t1 time.Duration) ([]audio.Chunk, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var err error
	if q.evictedAny && t0 < q.evictedBefore {
		err = asrerr.Newf(asrerr.RangeEvicted,
			"audio before %s was evicted, capture starting at %s is partial", q.evictedBefore, t0)
	}

	i := sort.Search(len(q.chunks), func(i int) bool {
		return q.chunks[i].End() > t0
	})
	j := sort.Search(len(q.chunks), func(j int) bool {
		return q.chunks[j].Timestamp > t1
	})
	if i >= j {
		return nil, err
	}
	out := make([]audio.Chunk, j-i)
	copy(out, q.chunks[i:j])
	return out, err
}

// Clear empties the chunk log but keeps reader registrations and the
// sequence counter, so cursors stay meaningful across the wipe. Used when a
// wake event discards pre-wake audio and after an utterance is transcribed.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.chunks) == 0 {
		return
	}
	if q.lastEnd > q.evictedBefore {
		q.evictedBefore = q.lastEnd
	}
	q.evictedAny = true
	n := len(q.chunks)
	q.chunks = nil
	q.bytes = 0
	if m := q.cfg.Metrics; m != nil {
		m.BufferedChunks.Add(context.Background(), -int64(n))
	}
}

// Close marks the queue closed and wakes every blocked reader. Further
// pushes and reads fail with ErrClosed. Called by the manager on removal.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	if m := q.cfg.Metrics; m != nil && len(q.chunks) > 0 {
		m.BufferedChunks.Add(context.Background(), -int64(len(q.chunks)))
	}
	q.chunks = nil
	q.bytes = 0
	close(q.notify)
	q.notify = make(chan struct{})
}

// Dropped returns the total number of chunks evicted over the queue's life.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Stats returns a point-in-time snapshot.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		SessionID: q.cfg.SessionID,
		Chunks:    len(q.chunks),
		Bytes:     q.bytes,
		Dropped:   q.dropped,
		Readers:   len(q.readers),
		NewestEnd: q.lastEnd,
	}
	if len(q.chunks) > 0 {
		s.Oldest = q.chunks[0].Timestamp
	}
	return s
}

// readerLocked returns the cursor for readerID, registering it on first use.
// A fresh reader starts before the oldest retained chunk and therefore sees
// everything still in the queue.
func (q *Queue) readerLocked(readerID string) *cursor {
	cur, ok := q.readers[readerID]
	if !ok {
		cur = &cursor{}
		q.readers[readerID] = cur
	}
	return cur
}
