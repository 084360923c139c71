package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"lyra-core/internal/embedding"
	"lyra-core/internal/lyraerr"
)

type fakeStore struct {
	mu         sync.Mutex
	mems       map[string][]*Memory
	failInsert error
	failSearch error
	touches    map[string]int
	recencies  map[string]float64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		mems:      make(map[string][]*Memory),
		touches:   make(map[string]int),
		recencies: make(map[string]float64),
	}
}

func (f *fakeStore) put(m Memory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := m
	key := CollectionName(m.Class, m.UserID)
	f.mems[key] = append(f.mems[key], &cp)
}

func (f *fakeStore) count(class Class, userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mems[CollectionName(class, userID)])
}

func (f *fakeStore) setFailInsert(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failInsert = err
}

func (f *fakeStore) Insert(ctx context.Context, m *Memory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsert != nil {
		return f.failInsert
	}
	cp := *m
	key := CollectionName(m.Class, m.UserID)
	f.mems[key] = append(f.mems[key], &cp)
	return nil
}

func (f *fakeStore) Search(ctx context.Context, q ScopedQuery) ([]ScoredMemory, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSearch != nil {
		return nil, f.failSearch
	}
	rows := f.mems[CollectionName(q.Class, q.UserID)]
	hits := make([]ScoredMemory, 0, len(rows))
	for _, m := range rows {
		hits = append(hits, ScoredMemory{Memory: *m, Similarity: CosineSimilarity(q.Vector, m.Embedding)})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

func (f *fakeStore) TouchAccess(ctx context.Context, class Class, userID, id string, accessCount int, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches[id]++
	return nil
}

func (f *fakeStore) All(ctx context.Context, class Class, userID string, limit int) ([]Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.mems[CollectionName(class, userID)]
	out := make([]Memory, 0, len(rows))
	for _, m := range rows {
		out = append(out, *m)
	}
	return out, nil
}

func (f *fakeStore) ExpiredEpisodic(ctx context.Context, userID string, cutoff time.Time, importanceMax float64, limit int) ([]Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Memory
	for _, m := range f.mems[CollectionName(ClassEpisodic, userID)] {
		if m.Consolidated && m.CreatedAt.Before(cutoff) && m.Importance < importanceMax {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateRecency(ctx context.Context, class Class, userID, id string, score float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recencies[id] = score
	for _, m := range f.mems[CollectionName(class, userID)] {
		if m.ID == id {
			m.RecencyScore = score
		}
	}
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, class Class, userID string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	key := CollectionName(class, userID)
	kept := f.mems[key][:0]
	for _, m := range f.mems[key] {
		if !drop[m.ID] {
			kept = append(kept, m)
		}
	}
	f.mems[key] = kept
	return nil
}

func (f *fakeStore) DropUser(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, class := range Classes {
		delete(f.mems, CollectionName(class, userID))
	}
	return nil
}

type fakeEmbedder struct {
	mu      sync.Mutex
	fail    error
	fixed   map[string][]float32
	intents []embedding.Intent
}

func (e *fakeEmbedder) EmbedOne(ctx context.Context, text string, intent embedding.Intent) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.intents = append(e.intents, intent)
	if e.fail != nil {
		return nil, e.fail
	}
	if v, ok := e.fixed[text]; ok {
		return v, nil
	}
	return textVector(text), nil
}

func (e *fakeEmbedder) lastIntent() embedding.Intent {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.intents) == 0 {
		return ""
	}
	return e.intents[len(e.intents)-1]
}

// textVector gives distinct texts distinct but stable vectors.
func textVector(text string) []float32 {
	v := make([]float32, 8)
	for i, r := range text {
		v[i%8] += float32(r%31) / 31
	}
	return v
}

type fakeScorer struct{ score float64 }

func (s fakeScorer) Score(ctx context.Context, content string, class Class) float64 {
	return s.score
}

type fakeQueue struct {
	mu    sync.Mutex
	items [][]byte
}

func (q *fakeQueue) Push(ctx context.Context, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, payload)
	return nil
}

func (q *fakeQueue) Pop(ctx context.Context) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, nil
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head, nil
}

func (q *fakeQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

func newTestManager(store Store, emb Embedder, scorer Scorer, sink DeferredSink) *Manager {
	return NewManager(store, emb, scorer, sink, Options{
		RetrieveLambda:         0.7,
		RecencyDecayRate:       0.02,
		RetentionDays:          90,
		RetentionImportanceMax: 0.3,
	})
}

func TestStore_WritesScoredEmbeddedMemory(t *testing.T) {
	store := newFakeStore()
	emb := &fakeEmbedder{}
	mgr := newTestManager(store, emb, fakeScorer{score: 0.8}, nil)

	res, err := mgr.Store(context.Background(), "user-1", "we adopted a dog named Biscuit", ClassEpisodic, StoreContext{
		Speaker:        "user",
		ConversationID: "conv-9",
		TurnIndex:      3,
	})
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if res.Deferred {
		t.Fatal("write was deferred, want direct store")
	}
	if res.Memory == nil || res.Memory.ID == "" {
		t.Fatal("result is missing the written memory")
	}
	if res.Memory.Importance != 0.8 {
		t.Errorf("importance = %f, want scorer value 0.8", res.Memory.Importance)
	}
	if res.Memory.RecencyScore != 1.0 {
		t.Errorf("recency = %f, want 1.0 for a fresh memory", res.Memory.RecencyScore)
	}
	if res.Memory.Speaker != "user" || res.Memory.ConversationID != "conv-9" {
		t.Error("store context fields not carried onto the memory")
	}
	if got := emb.lastIntent(); got != embedding.IntentDocument {
		t.Errorf("embedding intent = %q, want document", got)
	}
	if n := store.count(ClassEpisodic, "user-1"); n != 1 {
		t.Errorf("stored %d rows, want 1", n)
	}
}

func TestStore_ValidationRejects(t *testing.T) {
	mgr := newTestManager(newFakeStore(), &fakeEmbedder{}, fakeScorer{score: 0.5}, nil)

	cases := []struct {
		name    string
		userID  string
		content string
		class   Class
	}{
		{"empty user", "", "content", ClassEpisodic},
		{"empty content", "user-1", "   ", ClassEpisodic},
		{"unknown class", "user-1", "content", Class("procedural")},
	}

	for _, tc := range cases {
		_, err := mgr.Store(context.Background(), tc.userID, tc.content, tc.class, StoreContext{})
		if !lyraerr.IsValidation(err) {
			t.Errorf("%s: got %v, want validation error", tc.name, err)
		}
	}
}

func TestStore_DefersOnVectorStoreOutage(t *testing.T) {
	store := newFakeStore()
	store.setFailInsert(lyraerr.Transient("vector-store", errors.New("connection refused")))
	queue := &fakeQueue{}
	emb := &fakeEmbedder{}
	writer := NewDeferredWriter(queue, store, emb)
	mgr := newTestManager(store, emb, fakeScorer{score: 0.6}, writer)

	res, err := mgr.Store(context.Background(), "user-1", "remember to water the plants", ClassEpisodic, StoreContext{})
	if err != nil {
		t.Fatalf("Store surfaced error %v, want deferred degradation", err)
	}
	if !res.Deferred {
		t.Fatal("result not marked deferred")
	}
	if n, _ := queue.Len(context.Background()); n != 1 {
		t.Fatalf("queue depth = %d, want 1", n)
	}

	// Vector store recovers; drain replays the parked write.
	store.setFailInsert(nil)
	writer.drain()

	if n, _ := queue.Len(context.Background()); n != 0 {
		t.Errorf("queue depth after drain = %d, want 0", n)
	}
	if n := store.count(ClassEpisodic, "user-1"); n != 1 {
		t.Errorf("stored %d rows after drain, want 1", n)
	}
}

func TestStore_EmbeddingFailureSurfaces(t *testing.T) {
	store := newFakeStore()
	emb := &fakeEmbedder{fail: lyraerr.Transient("embedding", errors.New("timeout"))}
	queue := &fakeQueue{}
	writer := NewDeferredWriter(queue, store, emb)
	mgr := newTestManager(store, emb, fakeScorer{score: 0.6}, writer)

	_, err := mgr.Store(context.Background(), "user-1", "some content", ClassEpisodic, StoreContext{})
	if !lyraerr.IsTransient(err) {
		t.Fatalf("got %v, want transient error for the caller to retry", err)
	}
	if n, _ := queue.Len(context.Background()); n != 0 {
		t.Errorf("queue depth = %d, want 0 (embedding failures are not deferred)", n)
	}
}

func TestRetrieve_UserIsolationUnderConcurrentWrites(t *testing.T) {
	store := newFakeStore()
	mgr := newTestManager(store, &fakeEmbedder{}, fakeScorer{score: 0.5}, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if _, err := mgr.Store(ctx, "user-a", fmt.Sprintf("user a fact %d about travel", i), ClassEpisodic, StoreContext{}); err != nil {
				t.Errorf("store for user-a failed: %v", err)
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			if _, err := mgr.Store(ctx, "user-b", fmt.Sprintf("user b fact %d about cooking", i), ClassEpisodic, StoreContext{}); err != nil {
				t.Errorf("store for user-b failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	hits, err := mgr.Retrieve(ctx, "user-a", "travel", 20, 0.7)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(hits) != 10 {
		t.Fatalf("got %d hits, want all 10 of user-a's memories", len(hits))
	}
	for _, h := range hits {
		if h.UserID != "user-a" {
			t.Fatalf("hit %s belongs to %q, cross-user leak", h.ID, h.UserID)
		}
	}
}

func TestRetrieve_UsesQueryIntent(t *testing.T) {
	store := newFakeStore()
	emb := &fakeEmbedder{}
	mgr := newTestManager(store, emb, fakeScorer{score: 0.5}, nil)
	ctx := context.Background()

	if _, err := mgr.Store(ctx, "user-1", "a stored fact", ClassEpisodic, StoreContext{}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if _, err := mgr.Retrieve(ctx, "user-1", "a question", 5, 0.7); err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if got := emb.lastIntent(); got != embedding.IntentQuery {
		t.Errorf("retrieval embedding intent = %q, want query", got)
	}
}

func TestRetrieve_DegradesToEmptyOnVectorStoreOutage(t *testing.T) {
	store := newFakeStore()
	store.failSearch = lyraerr.Transient("vector-store", errors.New("unreachable"))
	mgr := newTestManager(store, &fakeEmbedder{}, fakeScorer{score: 0.5}, nil)

	hits, err := mgr.Retrieve(context.Background(), "user-1", "anything", 5, 0.7)
	if err != nil {
		t.Fatalf("Retrieve surfaced error %v, want silent degradation", err)
	}
	if len(hits) != 0 {
		t.Errorf("got %d hits, want empty result", len(hits))
	}
}

func TestRetrieve_DegradesToEmptyOnEmbeddingOutage(t *testing.T) {
	emb := &fakeEmbedder{fail: lyraerr.Transient("embedding", errors.New("timeout"))}
	mgr := newTestManager(newFakeStore(), emb, fakeScorer{score: 0.5}, nil)

	hits, err := mgr.Retrieve(context.Background(), "user-1", "anything", 5, 0.7)
	if err != nil {
		t.Fatalf("Retrieve surfaced error %v, want silent degradation", err)
	}
	if len(hits) != 0 {
		t.Errorf("got %d hits, want empty result", len(hits))
	}
}

func TestRetrieve_ValidatesArguments(t *testing.T) {
	mgr := newTestManager(newFakeStore(), &fakeEmbedder{}, fakeScorer{score: 0.5}, nil)
	ctx := context.Background()

	if _, err := mgr.Retrieve(ctx, "", "query", 5, 0.7); !lyraerr.IsValidation(err) {
		t.Errorf("empty user: got %v, want validation error", err)
	}
	if _, err := mgr.Retrieve(ctx, "user-1", "", 5, 0.7); !lyraerr.IsValidation(err) {
		t.Errorf("empty query: got %v, want validation error", err)
	}
	if _, err := mgr.Retrieve(ctx, "user-1", "query", 0, 0.7); !lyraerr.IsValidation(err) {
		t.Errorf("k=0: got %v, want validation error", err)
	}
	if _, err := mgr.Retrieve(ctx, "user-1", "query", 5, 1.5); !lyraerr.IsValidation(err) {
		t.Errorf("lambda=1.5: got %v, want validation error", err)
	}
}

func TestRetrieve_ImportanceOutweighsRawSimilarity(t *testing.T) {
	store := newFakeStore()
	query := "what matters"
	emb := &fakeEmbedder{fixed: map[string][]float32{query: {1, 0}}}
	mgr := newTestManager(store, emb, fakeScorer{score: 0.5}, nil)
	now := time.Now()

	// Perfectly similar but trivial.
	store.put(Memory{
		ID: "trivial", UserID: "user-1", Class: ClassEpisodic,
		Content: "trivial", Importance: 0.3, RecencyScore: 1.0,
		CreatedAt: now, Embedding: []float32{1, 0},
	})
	// Less similar but critical: cosine to the query is ~0.707,
	// relevance 0.707*0.9 = 0.64 beats 1.0*0.3.
	store.put(Memory{
		ID: "critical", UserID: "user-1", Class: ClassEpisodic,
		Content: "critical", Importance: 0.9, RecencyScore: 1.0,
		CreatedAt: now, Embedding: []float32{1, 1},
	})

	hits, err := mgr.Retrieve(context.Background(), "user-1", query, 2, 0.7)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].ID != "critical" {
		t.Errorf("top hit = %s, want the important memory to outrank the similar trivial one", hits[0].ID)
	}
}

func TestStoreRetrieve_FallbackScoredMemoryIsRetrievable(t *testing.T) {
	store := newFakeStore()
	emb := &fakeEmbedder{}
	scorer := NewImportanceScorer(&stubAnalyzer{err: errors.New("scorer down")}, newMapCache())
	mgr := newTestManager(store, emb, scorer, nil)
	ctx := context.Background()

	res, err := mgr.Store(ctx, "user-1", "I love hiking in the mountains", ClassEpisodic, StoreContext{})
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if res.Memory.Importance != 0.4 {
		t.Fatalf("importance = %f, want fallback band 0.4", res.Memory.Importance)
	}

	hits, err := mgr.Retrieve(ctx, "user-1", "what are my hobbies", 1, 0.7)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want exactly 1", len(hits))
	}
	if hits[0].ID != res.Memory.ID {
		t.Errorf("retrieved %s, want the stored memory %s", hits[0].ID, res.Memory.ID)
	}
}

func TestRefreshRecency_AppliesExponentialDecay(t *testing.T) {
	store := newFakeStore()
	mgr := newTestManager(store, &fakeEmbedder{}, fakeScorer{score: 0.5}, nil)
	now := time.Now()

	store.put(Memory{
		ID: "stale", UserID: "user-1", Class: ClassEpisodic,
		Content: "old news", Importance: 0.5, RecencyScore: 1.0,
		CreatedAt: now.AddDate(0, 0, -10), LastAccessed: now.AddDate(0, 0, -10),
	})
	store.put(Memory{
		ID: "fresh", UserID: "user-1", Class: ClassEpisodic,
		Content: "just now", Importance: 0.5, RecencyScore: 1.0,
		CreatedAt: now, LastAccessed: now,
	})

	updated, err := mgr.RefreshRecency(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("RefreshRecency failed: %v", err)
	}
	if updated != 1 {
		t.Fatalf("updated %d rows, want 1 (fresh row unchanged)", updated)
	}

	want := math.Exp(-0.02 * 10)
	if got := store.recencies["stale"]; math.Abs(got-want) > 0.001 {
		t.Errorf("stale recency = %f, want %f", got, want)
	}
}

func TestEnforceRetention_DeletesOnlyExpiredConsolidatedTrivia(t *testing.T) {
	store := newFakeStore()
	mgr := newTestManager(store, &fakeEmbedder{}, fakeScorer{score: 0.5}, nil)
	now := time.Now()
	old := now.AddDate(0, 0, -100)

	store.put(Memory{ID: "expired", UserID: "u", Class: ClassEpisodic, CreatedAt: old, Consolidated: true, Importance: 0.1})
	store.put(Memory{ID: "important", UserID: "u", Class: ClassEpisodic, CreatedAt: old, Consolidated: true, Importance: 0.9})
	store.put(Memory{ID: "unconsolidated", UserID: "u", Class: ClassEpisodic, CreatedAt: old, Consolidated: false, Importance: 0.1})
	store.put(Memory{ID: "recent", UserID: "u", Class: ClassEpisodic, CreatedAt: now, Consolidated: true, Importance: 0.1})

	deleted, err := mgr.EnforceRetention(context.Background(), "u")
	if err != nil {
		t.Fatalf("EnforceRetention failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted %d rows, want 1", deleted)
	}
	if n := store.count(ClassEpisodic, "u"); n != 3 {
		t.Errorf("%d rows remain, want 3", n)
	}
}

func TestPurgeUser_DropsBothClasses(t *testing.T) {
	store := newFakeStore()
	mgr := newTestManager(store, &fakeEmbedder{}, fakeScorer{score: 0.5}, nil)

	store.put(Memory{ID: "e1", UserID: "u", Class: ClassEpisodic, Content: "x"})
	store.put(Memory{ID: "s1", UserID: "u", Class: ClassSemantic, Content: "y"})

	if err := mgr.PurgeUser(context.Background(), "u"); err != nil {
		t.Fatalf("PurgeUser failed: %v", err)
	}
	if store.count(ClassEpisodic, "u") != 0 || store.count(ClassSemantic, "u") != 0 {
		t.Error("memories remain after purge")
	}
}

func TestPurgeBefore_DeletesOnlyOlderRows(t *testing.T) {
	store := newFakeStore()
	mgr := newTestManager(store, &fakeEmbedder{}, fakeScorer{score: 0.5}, nil)
	cutoff := time.Now().AddDate(0, 0, -30)

	store.put(Memory{ID: "old-e", UserID: "u", Class: ClassEpisodic, CreatedAt: cutoff.AddDate(0, 0, -1)})
	store.put(Memory{ID: "old-s", UserID: "u", Class: ClassSemantic, CreatedAt: cutoff.AddDate(0, 0, -5)})
	store.put(Memory{ID: "new-e", UserID: "u", Class: ClassEpisodic, CreatedAt: cutoff.AddDate(0, 0, 1)})
	store.put(Memory{ID: "other", UserID: "v", Class: ClassEpisodic, CreatedAt: cutoff.AddDate(0, 0, -1)})

	deleted, err := mgr.PurgeBefore(context.Background(), "u", cutoff)
	if err != nil {
		t.Fatalf("PurgeBefore failed: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted %d rows, want 2", deleted)
	}
	if n := store.count(ClassEpisodic, "u"); n != 1 {
		t.Errorf("%d episodic rows remain, want 1", n)
	}
	if n := store.count(ClassSemantic, "u"); n != 0 {
		t.Errorf("%d semantic rows remain, want 0", n)
	}
	if n := store.count(ClassEpisodic, "v"); n != 1 {
		t.Errorf("other user's rows touched: %d remain, want 1", n)
	}

	if _, err := mgr.PurgeBefore(context.Background(), "u", time.Time{}); !lyraerr.IsValidation(err) {
		t.Errorf("expected validation error for zero cutoff, got %v", err)
	}
}
