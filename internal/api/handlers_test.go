package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"lyra-core/internal/consolidation"
	"lyra-core/internal/lyraerr"
	"lyra-core/internal/memory"
	"lyra-core/internal/personality"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeMemories struct {
	stored   []string
	deferred bool
	storeErr error
	hits     []memory.ScoredMemory
}

func (f *fakeMemories) Store(ctx context.Context, userID, content string, class memory.Class, sc memory.StoreContext) (*memory.StoreResult, error) {
	if f.storeErr != nil {
		return nil, f.storeErr
	}
	if content == "" {
		return nil, lyraerr.Validation("content", "must not be empty")
	}
	if f.deferred {
		return &memory.StoreResult{Deferred: true}, nil
	}
	id := "mem-" + string(rune('a'+len(f.stored)))
	f.stored = append(f.stored, id)
	return &memory.StoreResult{Memory: &memory.Memory{ID: id, UserID: userID, Content: content, Class: class, Importance: 0.5}}, nil
}

func (f *fakeMemories) Retrieve(ctx context.Context, userID, query string, k int, lambda float64) ([]memory.ScoredMemory, error) {
	if query == "" {
		return nil, lyraerr.Validation("query", "must not be empty")
	}
	return f.hits, nil
}

func (f *fakeMemories) DefaultLambda() float64 { return 0.7 }

type fakePersona struct {
	snapshot *personality.Snapshot
	state    *personality.State
	err      error
}

func (f *fakePersona) InitializeUser(ctx context.Context, userID string, traits personality.BigFive) (*personality.State, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &personality.State{UserID: userID, BigFive: traits, IsCurrent: true}, nil
}

func (f *fakePersona) GetSnapshot(ctx context.Context, userID string) (*personality.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.snapshot, nil
}

func (f *fakePersona) ApplyInteractionDelta(ctx context.Context, userID string, delta personality.PAD, reason string) (*personality.State, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.state, nil
}

type fakeConflicts struct {
	rows []consolidation.MemoryConflict
}

func (f *fakeConflicts) Conflicts(ctx context.Context, userID, status string) ([]consolidation.MemoryConflict, error) {
	return f.rows, nil
}

func (f *fakeConflicts) UpdateConflictStatus(ctx context.Context, userID string, id uint, status string) (*consolidation.MemoryConflict, error) {
	if status != consolidation.ConflictResolved && status != consolidation.ConflictIgnored && status != consolidation.ConflictPending {
		return nil, lyraerr.Validation("status", "must be pending, resolved or ignored")
	}
	return &consolidation.MemoryConflict{ID: id, UserID: userID, Status: status}, nil
}

type fakeConsolidator struct {
	run *consolidation.Run
	err error
}

func (f *fakeConsolidator) RunForUser(ctx context.Context, userID string) (*consolidation.Run, error) {
	return f.run, f.err
}

type fakeIdem struct {
	m map[string]string
}

func (f *fakeIdem) Get(ctx context.Context, key string) (string, bool) {
	id, ok := f.m[key]
	return id, ok
}

func (f *fakeIdem) Set(ctx context.Context, key, memoryID string) {
	f.m[key] = memoryID
}

func newTestRouter(mem *fakeMemories, persona *fakePersona, conflicts *fakeConflicts, engine *fakeConsolidator) *gin.Engine {
	return SetupRouter(NewHandlers(mem, persona, conflicts, engine, &fakeIdem{m: make(map[string]string)}))
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestStoreMemory(t *testing.T) {
	mem := &fakeMemories{}
	r := newTestRouter(mem, &fakePersona{}, &fakeConflicts{}, &fakeConsolidator{})

	w := doJSON(t, r, http.MethodPost, "/api/users/amy/memories", gin.H{
		"content": "I love hiking in the mountains",
		"class":   "episodic",
		"speaker": "user",
	}, nil)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["id"] == "" {
		t.Errorf("expected memory id in response")
	}
}

func TestStoreMemoryIdempotencyKey(t *testing.T) {
	mem := &fakeMemories{}
	r := newTestRouter(mem, &fakePersona{}, &fakeConflicts{}, &fakeConsolidator{})
	headers := map[string]string{"Idempotency-Key": "turn-42"}
	body := gin.H{"content": "hello", "class": "episodic"}

	first := doJSON(t, r, http.MethodPost, "/api/users/amy/memories", body, headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.Code)
	}
	second := doJSON(t, r, http.MethodPost, "/api/users/amy/memories", body, headers)
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 on retry, got %d", second.Code)
	}

	var a, b map[string]interface{}
	_ = json.Unmarshal(first.Body.Bytes(), &a)
	_ = json.Unmarshal(second.Body.Bytes(), &b)
	if a["id"] != b["id"] {
		t.Errorf("retry returned different id: %v vs %v", a["id"], b["id"])
	}
	if b["deduplicated"] != true {
		t.Errorf("retry should be marked deduplicated")
	}
	if len(mem.stored) != 1 {
		t.Errorf("expected exactly one store, got %d", len(mem.stored))
	}
}

func TestStoreMemoryDeferred(t *testing.T) {
	r := newTestRouter(&fakeMemories{deferred: true}, &fakePersona{}, &fakeConflicts{}, &fakeConsolidator{})

	w := doJSON(t, r, http.MethodPost, "/api/users/amy/memories", gin.H{"content": "x", "class": "episodic"}, nil)
	if w.Code != http.StatusAccepted {
		t.Errorf("deferred store should be 202, got %d", w.Code)
	}
}

func TestStoreMemoryValidation(t *testing.T) {
	r := newTestRouter(&fakeMemories{}, &fakePersona{}, &fakeConflicts{}, &fakeConsolidator{})

	w := doJSON(t, r, http.MethodPost, "/api/users/amy/memories", gin.H{"content": "", "class": "episodic"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty content should be 400, got %d", w.Code)
	}
}

func TestSearchMemories(t *testing.T) {
	mem := &fakeMemories{hits: []memory.ScoredMemory{
		{Memory: memory.Memory{ID: "m1", UserID: "amy", Content: "hiking"}, Similarity: 0.9, Relevance: 0.5},
	}}
	r := newTestRouter(mem, &fakePersona{}, &fakeConflicts{}, &fakeConsolidator{})

	w := doJSON(t, r, http.MethodPost, "/api/users/amy/memories/search", gin.H{"query": "hobbies", "k": 5}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 1 {
		t.Errorf("expected 1 hit, got %d", resp.Count)
	}
}

func TestGetPersonalityNotFound(t *testing.T) {
	r := newTestRouter(&fakeMemories{}, &fakePersona{err: lyraerr.NotFound("personality", "ghost")}, &fakeConflicts{}, &fakeConsolidator{})

	w := doJSON(t, r, http.MethodGet, "/api/users/ghost/personality", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown user should be 404, got %d", w.Code)
	}
}

func TestGetPersonality(t *testing.T) {
	persona := &fakePersona{snapshot: &personality.Snapshot{
		UserID:       "amy",
		EmotionLabel: "exuberant",
		Quirks:       []personality.Quirk{},
		Needs:        []personality.Need{},
	}}
	r := newTestRouter(&fakeMemories{}, persona, &fakeConflicts{}, &fakeConsolidator{})

	w := doJSON(t, r, http.MethodGet, "/api/users/amy/personality", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var snap personality.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.EmotionLabel != "exuberant" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestApplyDelta(t *testing.T) {
	persona := &fakePersona{state: &personality.State{
		UserID:       "amy",
		PAD:          personality.PAD{Pleasure: 1.0, Arousal: 0.2, Dominance: 0},
		EmotionLabel: "exuberant",
	}}
	r := newTestRouter(&fakeMemories{}, persona, &fakeConflicts{}, &fakeConsolidator{})

	w := doJSON(t, r, http.MethodPost, "/api/users/amy/personality/delta", gin.H{
		"pleasure": 5.0, "arousal": 0.1, "dominance": 0, "reason": "great chat",
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		PAD          personality.PAD `json:"pad_state"`
		EmotionLabel string          `json:"emotion_label"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.PAD.Pleasure != 1.0 || resp.EmotionLabel != "exuberant" {
		t.Errorf("unexpected delta response: %+v", resp)
	}
}

func TestInitializePersonality(t *testing.T) {
	r := newTestRouter(&fakeMemories{}, &fakePersona{}, &fakeConflicts{}, &fakeConsolidator{})

	w := doJSON(t, r, http.MethodPut, "/api/users/amy/personality", gin.H{
		"big_five": gin.H{"openness": 0.8, "conscientiousness": 0.6, "extraversion": 0.4, "agreeableness": 0.7, "neuroticism": 0.3},
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var state personality.State
	if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.BigFive.Openness != 0.8 {
		t.Errorf("traits not echoed back: %+v", state.BigFive)
	}
}

func TestListAndUpdateConflicts(t *testing.T) {
	conflicts := &fakeConflicts{rows: []consolidation.MemoryConflict{
		{ID: 1, UserID: "amy", MemoryID1: "a", MemoryID2: "b", Status: consolidation.ConflictPending},
	}}
	r := newTestRouter(&fakeMemories{}, &fakePersona{}, conflicts, &fakeConsolidator{})

	w := doJSON(t, r, http.MethodGet, "/api/users/amy/conflicts", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPatch, "/api/users/amy/conflicts/1", gin.H{"status": "resolved"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodPatch, "/api/users/amy/conflicts/1", gin.H{"status": "bogus"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bogus status should be 400, got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPatch, "/api/users/amy/conflicts/notanumber", gin.H{"status": "resolved"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("non-numeric id should be 400, got %d", w.Code)
	}
}

func TestTriggerConsolidation(t *testing.T) {
	engine := &fakeConsolidator{run: &consolidation.Run{ID: "run1", UserID: "amy", Status: consolidation.StatusCompleted}}
	r := newTestRouter(&fakeMemories{}, &fakePersona{}, &fakeConflicts{}, engine)

	w := doJSON(t, r, http.MethodPost, "/api/users/amy/consolidate", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	// nil run means another run holds the user's lock.
	r = newTestRouter(&fakeMemories{}, &fakePersona{}, &fakeConflicts{}, &fakeConsolidator{})
	w = doJSON(t, r, http.MethodPost, "/api/users/amy/consolidate", nil, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("in-progress run should be 409, got %d", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	r := newTestRouter(&fakeMemories{}, &fakePersona{}, &fakeConflicts{}, &fakeConsolidator{})

	w := doJSON(t, r, http.MethodGet, "/healthz", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}
