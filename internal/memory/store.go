package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog/log"

	"lyra-core/internal/lyraerr"
)

// ScopedQuery is a similarity search bound to a single user. UserID is
// mandatory: Validate rejects the query before anything reaches the
// vector store, and the collection name itself derives from it, so an
// unscoped search cannot be expressed.
type ScopedQuery struct {
	UserID string
	Class  Class
	Vector []float32
	Limit  int
}

func (q ScopedQuery) Validate() error {
	if q.UserID == "" {
		return lyraerr.Validation("user_id", "must not be empty")
	}
	if !q.Class.Valid() {
		return lyraerr.Validation("class", fmt.Sprintf("unknown memory class %q", q.Class))
	}
	if len(q.Vector) == 0 {
		return lyraerr.Validation("vector", "must not be empty")
	}
	if q.Limit <= 0 {
		return lyraerr.Validation("limit", "must be positive")
	}
	return nil
}

// CollectionName returns the per-user collection for a memory class.
// Separate collections per user make cross-user reads structurally
// impossible rather than a matter of query filters.
func CollectionName(class Class, userID string) string {
	return fmt.Sprintf("%s_%s", class, userID)
}

// VectorStore is the Qdrant adapter: collections, upserts, scoped
// queries, scrolls and payload updates for memory points.
type VectorStore struct {
	client     *qdrant.Client
	dimensions uint64

	mu    sync.Mutex
	ready map[string]bool
}

func NewVectorStore(client *qdrant.Client, dimensions int) *VectorStore {
	return &VectorStore{
		client:     client,
		dimensions: uint64(dimensions),
		ready:      make(map[string]bool),
	}
}

// EnsureCollection creates the user's collection and its payload indexes
// on first use. Safe to call on every write; creation runs once per
// collection and the result is memoized.
func (s *VectorStore) EnsureCollection(ctx context.Context, class Class, userID string) error {
	name := CollectionName(class, userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready[name] {
		return nil
	}

	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return lyraerr.Transient("vector-store", fmt.Errorf("collection check for %s: %w", name, err))
	}

	if !exists {
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     s.dimensions,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return lyraerr.Transient("vector-store", fmt.Errorf("create collection %s: %w", name, err))
		}
		if err := s.createIndexes(ctx, name); err != nil {
			return err
		}
		log.Info().Str("collection", name).Msg("created memory collection")
	}

	s.ready[name] = true
	return nil
}

func (s *VectorStore) createIndexes(ctx context.Context, name string) error {
	indexes := []struct {
		field string
		ftype qdrant.FieldType
	}{
		{"user_id", qdrant.FieldType_FieldTypeKeyword},
		{"created_at", qdrant.FieldType_FieldTypeInteger},
		{"consolidated", qdrant.FieldType_FieldTypeBool},
		{"importance", qdrant.FieldType_FieldTypeFloat},
	}

	for _, idx := range indexes {
		ftype := idx.ftype
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: name,
			FieldName:      idx.field,
			FieldType:      &ftype,
			Wait:           boolPtr(true),
		})
		if err != nil {
			return lyraerr.Transient("vector-store", fmt.Errorf("create index %s on %s: %w", idx.field, name, err))
		}
	}
	return nil
}

// Insert writes one memory as a single point; vector and payload land in
// the same upsert so neither can exist without the other.
func (s *VectorStore) Insert(ctx context.Context, m *Memory) error {
	if err := s.EnsureCollection(ctx, m.Class, m.UserID); err != nil {
		return err
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: CollectionName(m.Class, m.UserID),
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewIDUUID(m.ID),
				Vectors: qdrant.NewVectors(m.Embedding...),
				Payload: memoryPayload(m),
			},
		},
	})
	if err != nil {
		return lyraerr.Transient("vector-store", fmt.Errorf("upsert memory %s: %w", m.ID, err))
	}
	return nil
}

// Search runs a user-scoped similarity query and returns hits ordered by
// descending cosine similarity, vectors included. A user who has no
// collection for the class yet gets an empty result.
func (s *VectorStore) Search(ctx context.Context, q ScopedQuery) ([]ScoredMemory, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	name := CollectionName(q.Class, q.UserID)
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return nil, lyraerr.Transient("vector-store", fmt.Errorf("collection check for %s: %w", name, err))
	}
	if !exists {
		return nil, nil
	}

	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQuery(q.Vector...),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("user_id", q.UserID),
			},
		},
		Limit:       uint64Ptr(uint64(q.Limit)),
		WithPayload: qdrant.NewWithPayload(true),
		WithVectors: &qdrant.WithVectorsSelector{
			SelectorOptions: &qdrant.WithVectorsSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, lyraerr.Transient("vector-store", fmt.Errorf("query %s: %w", name, err))
	}

	hits := make([]ScoredMemory, 0, len(points))
	for _, point := range points {
		m := payloadToMemory(pointUUID(point.Id), point.Payload)
		if vectors := point.Vectors.GetVector(); vectors != nil {
			m.Embedding = vectors.Data
		}
		hits = append(hits, ScoredMemory{Memory: m, Similarity: float64(point.Score)})
	}
	return hits, nil
}

// UnconsolidatedSince returns episodic memories created at or after since
// that have not been through consolidation yet, vectors included.
func (s *VectorStore) UnconsolidatedSince(ctx context.Context, userID string, since time.Time, limit int) ([]Memory, error) {
	name := CollectionName(ClassEpisodic, userID)
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return nil, lyraerr.Transient("vector-store", fmt.Errorf("collection check for %s: %w", name, err))
	}
	if !exists {
		return nil, nil
	}

	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: name,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("user_id", userID),
				qdrant.NewMatchBool("consolidated", false),
				{
					ConditionOneOf: &qdrant.Condition_Field{
						Field: &qdrant.FieldCondition{
							Key:   "created_at",
							Range: &qdrant.Range{Gte: floatPtr(float64(since.Unix()))},
						},
					},
				},
			},
		},
		Limit:       uint32Ptr(uint32(limit)),
		WithPayload: qdrant.NewWithPayload(true),
		WithVectors: &qdrant.WithVectorsSelector{
			SelectorOptions: &qdrant.WithVectorsSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, lyraerr.Transient("vector-store", fmt.Errorf("scroll unconsolidated for %s: %w", userID, err))
	}

	memories := make([]Memory, 0, len(points))
	for _, point := range points {
		m := payloadToMemory(pointUUID(point.Id), point.Payload)
		if vectors := point.Vectors.GetVector(); vectors != nil {
			m.Embedding = vectors.Data
		}
		memories = append(memories, m)
	}
	return memories, nil
}

// All returns up to limit memories of one class for a user, payloads
// only. Used by the recency decay pass.
func (s *VectorStore) All(ctx context.Context, class Class, userID string, limit int) ([]Memory, error) {
	name := CollectionName(class, userID)
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return nil, lyraerr.Transient("vector-store", fmt.Errorf("collection check for %s: %w", name, err))
	}
	if !exists {
		return nil, nil
	}

	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: name,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("user_id", userID),
			},
		},
		Limit:       uint32Ptr(uint32(limit)),
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, lyraerr.Transient("vector-store", fmt.Errorf("scroll %s: %w", name, err))
	}

	memories := make([]Memory, 0, len(points))
	for _, point := range points {
		memories = append(memories, payloadToMemory(pointUUID(point.Id), point.Payload))
	}
	return memories, nil
}

// ExpiredEpisodic lists consolidated episodic memories created before
// cutoff whose importance sits below the retention floor.
func (s *VectorStore) ExpiredEpisodic(ctx context.Context, userID string, cutoff time.Time, importanceMax float64, limit int) ([]Memory, error) {
	name := CollectionName(ClassEpisodic, userID)
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return nil, lyraerr.Transient("vector-store", fmt.Errorf("collection check for %s: %w", name, err))
	}
	if !exists {
		return nil, nil
	}

	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: name,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("user_id", userID),
				qdrant.NewMatchBool("consolidated", true),
				{
					ConditionOneOf: &qdrant.Condition_Field{
						Field: &qdrant.FieldCondition{
							Key:   "created_at",
							Range: &qdrant.Range{Lt: floatPtr(float64(cutoff.Unix()))},
						},
					},
				},
				{
					ConditionOneOf: &qdrant.Condition_Field{
						Field: &qdrant.FieldCondition{
							Key:   "importance",
							Range: &qdrant.Range{Lt: floatPtr(importanceMax)},
						},
					},
				},
			},
		},
		Limit:       uint32Ptr(uint32(limit)),
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, lyraerr.Transient("vector-store", fmt.Errorf("scroll expired for %s: %w", userID, err))
	}

	memories := make([]Memory, 0, len(points))
	for _, point := range points {
		memories = append(memories, payloadToMemory(pointUUID(point.Id), point.Payload))
	}
	return memories, nil
}

// MarkConsolidated flips the consolidated flag on the given episodic
// memories. Payload-only update; the points and vectors stay put.
func (s *VectorStore) MarkConsolidated(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := s.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: CollectionName(ClassEpisodic, userID),
		Payload: map[string]*qdrant.Value{
			"consolidated": qdrant.NewValueBool(true),
		},
		PointsSelector: pointSelector(ids...),
	})
	if err != nil {
		return lyraerr.Transient("vector-store", fmt.Errorf("mark consolidated for %s: %w", userID, err))
	}
	return nil
}

// TouchAccess bumps access bookkeeping after a retrieval hit.
func (s *VectorStore) TouchAccess(ctx context.Context, class Class, userID, id string, accessCount int, at time.Time) error {
	_, err := s.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: CollectionName(class, userID),
		Payload: map[string]*qdrant.Value{
			"last_accessed": qdrant.NewValueInt(at.Unix()),
			"access_count":  qdrant.NewValueInt(int64(accessCount)),
		},
		PointsSelector: pointSelector(id),
	})
	if err != nil {
		return lyraerr.Transient("vector-store", fmt.Errorf("touch access for %s: %w", id, err))
	}
	return nil
}

// UpdateRecency writes a recomputed recency score for one memory.
func (s *VectorStore) UpdateRecency(ctx context.Context, class Class, userID, id string, score float64) error {
	_, err := s.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: CollectionName(class, userID),
		Payload: map[string]*qdrant.Value{
			"recency_score": qdrant.NewValueDouble(score),
		},
		PointsSelector: pointSelector(id),
	})
	if err != nil {
		return lyraerr.Transient("vector-store", fmt.Errorf("update recency for %s: %w", id, err))
	}
	return nil
}

// Delete removes memories permanently. Retention cleanup and admin purge
// are the only callers; consolidation never deletes.
func (s *VectorStore) Delete(ctx context.Context, class Class, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: CollectionName(class, userID),
		Points:         pointSelector(ids...),
	})
	if err != nil {
		return lyraerr.Transient("vector-store", fmt.Errorf("delete memories for %s: %w", userID, err))
	}
	return nil
}

// DropUser deletes both of a user's collections outright.
func (s *VectorStore) DropUser(ctx context.Context, userID string) error {
	for _, class := range Classes {
		name := CollectionName(class, userID)
		exists, err := s.client.CollectionExists(ctx, name)
		if err != nil {
			return lyraerr.Transient("vector-store", fmt.Errorf("collection check for %s: %w", name, err))
		}
		if !exists {
			continue
		}
		if err := s.client.DeleteCollection(ctx, name); err != nil {
			return lyraerr.Transient("vector-store", fmt.Errorf("drop collection %s: %w", name, err))
		}

		s.mu.Lock()
		delete(s.ready, name)
		s.mu.Unlock()

		log.Info().Str("collection", name).Msg("dropped memory collection")
	}
	return nil
}

func memoryPayload(m *Memory) map[string]*qdrant.Value {
	payload := map[string]*qdrant.Value{
		"memory_id":     qdrant.NewValueString(m.ID),
		"user_id":       qdrant.NewValueString(m.UserID),
		"class":         qdrant.NewValueString(string(m.Class)),
		"content":       qdrant.NewValueString(m.Content),
		"importance":    qdrant.NewValueDouble(m.Importance),
		"recency_score": qdrant.NewValueDouble(m.RecencyScore),
		"created_at":    qdrant.NewValueInt(m.CreatedAt.Unix()),
		"last_accessed": qdrant.NewValueInt(m.LastAccessed.Unix()),
		"access_count":  qdrant.NewValueInt(int64(m.AccessCount)),
	}

	switch m.Class {
	case ClassEpisodic:
		payload["speaker"] = qdrant.NewValueString(m.Speaker)
		payload["conversation_id"] = qdrant.NewValueString(m.ConversationID)
		payload["turn_index"] = qdrant.NewValueInt(int64(m.TurnIndex))
		payload["emotion_context"] = qdrant.NewValueString(m.EmotionContext)
		payload["consolidated"] = qdrant.NewValueBool(m.Consolidated)
	case ClassSemantic:
		sourceValues := make([]*qdrant.Value, len(m.SourceEpisodicIDs))
		for i, id := range m.SourceEpisodicIDs {
			sourceValues[i] = qdrant.NewValueString(id)
		}
		payload["confidence"] = qdrant.NewValueDouble(m.Confidence)
		payload["source_episodic_ids"] = &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: sourceValues}}}
		payload["consolidated_at"] = qdrant.NewValueInt(m.ConsolidatedAt.Unix())
	}

	return payload
}

func payloadToMemory(pointID string, payload map[string]*qdrant.Value) Memory {
	m := Memory{
		ID:           getString(payload, "memory_id"),
		UserID:       getString(payload, "user_id"),
		Class:        Class(getString(payload, "class")),
		Content:      getString(payload, "content"),
		Importance:   getDouble(payload, "importance"),
		RecencyScore: getDouble(payload, "recency_score"),
		AccessCount:  int(getInt(payload, "access_count")),
	}
	if m.ID == "" {
		m.ID = pointID
	}
	if ts := getInt(payload, "created_at"); ts > 0 {
		m.CreatedAt = time.Unix(ts, 0)
	}
	if ts := getInt(payload, "last_accessed"); ts > 0 {
		m.LastAccessed = time.Unix(ts, 0)
	}

	switch m.Class {
	case ClassEpisodic:
		m.Speaker = getString(payload, "speaker")
		m.ConversationID = getString(payload, "conversation_id")
		m.TurnIndex = int(getInt(payload, "turn_index"))
		m.EmotionContext = getString(payload, "emotion_context")
		m.Consolidated = getBool(payload, "consolidated")
	case ClassSemantic:
		m.Confidence = getDouble(payload, "confidence")
		m.SourceEpisodicIDs = getStrings(payload, "source_episodic_ids")
		if ts := getInt(payload, "consolidated_at"); ts > 0 {
			m.ConsolidatedAt = time.Unix(ts, 0)
		}
	}
	return m
}

func pointUUID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	return id.GetUuid()
}

func pointSelector(ids ...string) *qdrant.PointsSelector {
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id)
	}
	return &qdrant.PointsSelector{
		PointsSelectorOneOf: &qdrant.PointsSelector_Points{
			Points: &qdrant.PointsIdsList{Ids: pointIDs},
		},
	}
}

func getString(payload map[string]*qdrant.Value, key string) string {
	if v, ok := payload[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func getDouble(payload map[string]*qdrant.Value, key string) float64 {
	if v, ok := payload[key]; ok {
		return v.GetDoubleValue()
	}
	return 0
}

func getInt(payload map[string]*qdrant.Value, key string) int64 {
	if v, ok := payload[key]; ok {
		return v.GetIntegerValue()
	}
	return 0
}

func getBool(payload map[string]*qdrant.Value, key string) bool {
	if v, ok := payload[key]; ok {
		return v.GetBoolValue()
	}
	return false
}

func getStrings(payload map[string]*qdrant.Value, key string) []string {
	v, ok := payload[key]
	if !ok {
		return nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil
	}
	out := make([]string, 0, len(list.Values))
	for _, item := range list.Values {
		if s := item.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func boolPtr(v bool) *bool {
	return &v
}

func floatPtr(v float64) *float64 {
	return &v
}

func uint32Ptr(v uint32) *uint32 {
	return &v
}

func uint64Ptr(v uint64) *uint64 {
	return &v
}
