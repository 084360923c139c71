package memory

import "time"

// Class partitions memories by lifecycle: episodic rows are raw
// conversational moments, semantic rows are consolidated summaries
// distilled from them. Each class lives in its own per-user collection.
type Class string

const (
	ClassEpisodic Class = "episodic"
	ClassSemantic Class = "semantic"
)

// Classes lists every memory class in a stable order.
var Classes = []Class{ClassEpisodic, ClassSemantic}

func (c Class) Valid() bool {
	return c == ClassEpisodic || c == ClassSemantic
}

// Memory is one stored memory together with the payload kept alongside
// its vector. Episodic-only and semantic-only fields are zero for the
// other class.
type Memory struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Class        Class     `json:"class"`
	Content      string    `json:"content"`
	Importance   float64   `json:"importance"`
	RecencyScore float64   `json:"recency_score"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int       `json:"access_count"`

	// Episodic only.
	Speaker        string `json:"speaker,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	TurnIndex      int    `json:"turn_index,omitempty"`
	EmotionContext string `json:"emotion_context,omitempty"`
	Consolidated   bool   `json:"consolidated,omitempty"`

	// Semantic only.
	Confidence        float64   `json:"confidence,omitempty"`
	SourceEpisodicIDs []string  `json:"source_episodic_ids,omitempty"`
	ConsolidatedAt    time.Time `json:"consolidated_at,omitempty"`

	Embedding []float32 `json:"-"`
}

// StoreContext carries the conversational context of a store call. All
// fields are optional; they only land in the payload for episodic writes.
type StoreContext struct {
	Speaker        string `json:"speaker,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	TurnIndex      int    `json:"turn_index,omitempty"`
	EmotionContext string `json:"emotion_context,omitempty"`
}

// StoreResult reports how a store completed: a written memory, or a write
// parked on the deferred queue while the vector store was unavailable.
type StoreResult struct {
	Memory   *Memory `json:"memory,omitempty"`
	Deferred bool    `json:"deferred"`
}

// ScoredMemory is a retrieval hit with its ranking components. Similarity
// is raw cosine similarity to the query; Relevance is the product
// similarity * importance * recency_score that ranking runs on.
type ScoredMemory struct {
	Memory
	Similarity float64 `json:"similarity"`
	Relevance  float64 `json:"relevance"`
}
