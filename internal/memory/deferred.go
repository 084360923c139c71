package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"lyra-core/internal/embedding"
	"lyra-core/internal/metrics"
)

const (
	drainInterval    = 5 * time.Second
	maxDrainAttempts = 5
)

// PendingWrite is a store call parked while the vector store was down.
// The content is re-embedded on replay; the embedding cache usually still
// holds the vector.
type PendingWrite struct {
	UserID     string       `json:"user_id"`
	Content    string       `json:"content"`
	Class      Class        `json:"class"`
	Context    StoreContext `json:"context"`
	Importance float64      `json:"importance"`
	Attempts   int          `json:"attempts"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}

// ByteQueue is the durable FIFO behind the deferred writer. The Redis
// list implementation lives in internal/redisdb; Pop returns (nil, nil)
// on an empty queue.
type ByteQueue interface {
	Push(ctx context.Context, payload []byte) error
	Pop(ctx context.Context) ([]byte, error)
	Len(ctx context.Context) (int64, error)
}

// DeferredWriter drains parked writes back into the vector store once it
// recovers. It bypasses the manager: importance was already scored when
// the write was parked, so replay only re-embeds and inserts.
type DeferredWriter struct {
	queue    ByteQueue
	store    Store
	embedder Embedder

	stop chan struct{}
	done chan struct{}
}

func NewDeferredWriter(queue ByteQueue, store Store, embedder Embedder) *DeferredWriter {
	return &DeferredWriter{
		queue:    queue,
		store:    store,
		embedder: embedder,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Enqueue parks one write on the durable queue.
func (w *DeferredWriter) Enqueue(ctx context.Context, pw PendingWrite) error {
	if pw.EnqueuedAt.IsZero() {
		pw.EnqueuedAt = time.Now()
	}
	payload, err := json.Marshal(pw)
	if err != nil {
		return fmt.Errorf("marshal pending write: %w", err)
	}
	if err := w.queue.Push(ctx, payload); err != nil {
		return fmt.Errorf("enqueue pending write: %w", err)
	}
	w.reportDepth(ctx)
	return nil
}

// Start launches the drain loop.
func (w *DeferredWriter) Start() {
	go w.run()
	log.Info().Msg("deferred memory writer started")
}

// Stop halts the drain loop and waits for it to exit.
func (w *DeferredWriter) Stop() {
	close(w.stop)
	<-w.done
	log.Info().Msg("deferred memory writer stopped")
}

func (w *DeferredWriter) run() {
	defer close(w.done)
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.drain()
		}
	}
}

// drain replays queued writes until the queue is empty or a replay fails;
// a failed item goes back on the queue for the next cycle.
func (w *DeferredWriter) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for {
		select {
		case <-w.stop:
			return
		default:
		}

		payload, err := w.queue.Pop(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("deferred queue pop failed")
			return
		}
		if payload == nil {
			w.reportDepth(ctx)
			return
		}
		if err := w.replay(ctx, payload); err != nil {
			log.Warn().Err(err).Msg("deferred write replay failed")
			w.reportDepth(ctx)
			return
		}
	}
}

// replay re-embeds one pending write and inserts it. Undecodable items
// and items over the attempt cap are dropped; other failures requeue.
func (w *DeferredWriter) replay(ctx context.Context, payload []byte) error {
	var pw PendingWrite
	if err := json.Unmarshal(payload, &pw); err != nil {
		log.Error().Err(err).Msg("dropping undecodable pending write")
		return nil
	}
	pw.Attempts++

	vector, err := w.embedder.EmbedOne(ctx, pw.Content, embedding.IntentDocument)
	if err == nil {
		mem := newMemory(pw.UserID, pw.Content, pw.Class, pw.Context, pw.Importance)
		mem.Embedding = vector
		if !pw.EnqueuedAt.IsZero() {
			mem.CreatedAt = pw.EnqueuedAt
			mem.LastAccessed = pw.EnqueuedAt
		}
		if err = w.store.Insert(ctx, mem); err == nil {
			metrics.MemoryStores.WithLabelValues(string(pw.Class), "stored").Inc()
			log.Info().
				Str("user_id", pw.UserID).
				Str("memory_id", mem.ID).
				Int("attempts", pw.Attempts).
				Msg("deferred memory write replayed")
			return nil
		}
	}

	if pw.Attempts >= maxDrainAttempts {
		log.Error().
			Str("user_id", pw.UserID).
			Int("attempts", pw.Attempts).
			Err(err).
			Msg("dropping pending write after repeated replay failures")
		return nil
	}

	requeued, merr := json.Marshal(pw)
	if merr != nil {
		return fmt.Errorf("marshal pending write for requeue: %w", merr)
	}
	if perr := w.queue.Push(ctx, requeued); perr != nil {
		return fmt.Errorf("requeue pending write: %w", perr)
	}
	return fmt.Errorf("replay attempt %d: %w", pw.Attempts, err)
}

func (w *DeferredWriter) reportDepth(ctx context.Context) {
	n, err := w.queue.Len(ctx)
	if err != nil {
		return
	}
	metrics.DeferredQueueDepth.Set(float64(n))
}
