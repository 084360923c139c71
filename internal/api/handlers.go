package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"lyra-core/internal/consolidation"
	"lyra-core/internal/lyraerr"
	"lyra-core/internal/memory"
	"lyra-core/internal/personality"
)

// MemoryService is the consumer memory surface. Satisfied by
// *memory.Manager.
type MemoryService interface {
	Store(ctx context.Context, userID, content string, class memory.Class, sc memory.StoreContext) (*memory.StoreResult, error)
	Retrieve(ctx context.Context, userID, query string, k int, lambda float64) ([]memory.ScoredMemory, error)
	DefaultLambda() float64
}

// PersonalityService is the consumer personality surface. Satisfied by
// *personality.Manager.
type PersonalityService interface {
	InitializeUser(ctx context.Context, userID string, traits personality.BigFive) (*personality.State, error)
	GetSnapshot(ctx context.Context, userID string) (*personality.Snapshot, error)
	ApplyInteractionDelta(ctx context.Context, userID string, delta personality.PAD, reason string) (*personality.State, error)
}

// ConflictService lists and updates memory conflicts. Satisfied by
// *consolidation.Store.
type ConflictService interface {
	Conflicts(ctx context.Context, userID, status string) ([]consolidation.MemoryConflict, error)
	UpdateConflictStatus(ctx context.Context, userID string, id uint, status string) (*consolidation.MemoryConflict, error)
}

// Consolidator triggers a manual run. Satisfied by *consolidation.Engine.
type Consolidator interface {
	RunForUser(ctx context.Context, userID string) (*consolidation.Run, error)
}

// IdempotencyCache deduplicates retried stores by caller-supplied key.
// May be nil, which disables deduplication.
type IdempotencyCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, memoryID string)
}

type Handlers struct {
	memories  MemoryService
	persona   PersonalityService
	conflicts ConflictService
	engine    Consolidator
	idem      IdempotencyCache
}

func NewHandlers(memories MemoryService, persona PersonalityService, conflicts ConflictService, engine Consolidator, idem IdempotencyCache) *Handlers {
	return &Handlers{
		memories:  memories,
		persona:   persona,
		conflicts: conflicts,
		engine:    engine,
		idem:      idem,
	}
}

type storeMemoryRequest struct {
	Content        string `json:"content"`
	Class          string `json:"class"`
	Speaker        string `json:"speaker"`
	ConversationID string `json:"conversation_id"`
	TurnIndex      int    `json:"turn_index"`
	EmotionContext string `json:"emotion_context"`
}

// StoreMemory handles POST /api/users/:user_id/memories. An optional
// Idempotency-Key header makes retries return the original memory id
// instead of writing a duplicate.
func (h *Handlers) StoreMemory(c *gin.Context) {
	userID := c.Param("user_id")
	var req storeMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	idemKey := c.GetHeader("Idempotency-Key")
	if idemKey != "" && h.idem != nil {
		if id, ok := h.idem.Get(c.Request.Context(), idemScope(userID, idemKey)); ok {
			c.JSON(http.StatusOK, gin.H{"id": id, "deduplicated": true})
			return
		}
	}

	result, err := h.memories.Store(c.Request.Context(), userID, req.Content, memory.Class(req.Class), memory.StoreContext{
		Speaker:        req.Speaker,
		ConversationID: req.ConversationID,
		TurnIndex:      req.TurnIndex,
		EmotionContext: req.EmotionContext,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	if result.Deferred {
		c.JSON(http.StatusAccepted, gin.H{"deferred": true})
		return
	}

	if idemKey != "" && h.idem != nil {
		h.idem.Set(c.Request.Context(), idemScope(userID, idemKey), result.Memory.ID)
	}
	c.JSON(http.StatusCreated, gin.H{"id": result.Memory.ID, "importance": result.Memory.Importance})
}

type searchRequest struct {
	Query  string   `json:"query"`
	K      int      `json:"k"`
	Lambda *float64 `json:"lambda"`
}

// SearchMemories handles POST /api/users/:user_id/memories/search.
func (h *Handlers) SearchMemories(c *gin.Context) {
	userID := c.Param("user_id")
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	lambda := h.memories.DefaultLambda()
	if req.Lambda != nil {
		lambda = *req.Lambda
	}

	hits, err := h.memories.Retrieve(c.Request.Context(), userID, req.Query, req.K, lambda)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"memories": hits, "count": len(hits)})
}

type initRequest struct {
	BigFive personality.BigFive `json:"big_five"`
}

// InitializePersonality handles PUT /api/users/:user_id/personality.
// Idempotent: an already-initialized user gets their existing state back.
func (h *Handlers) InitializePersonality(c *gin.Context) {
	userID := c.Param("user_id")
	var req initRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	state, err := h.persona.InitializeUser(c.Request.Context(), userID, req.BigFive)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// GetPersonality handles GET /api/users/:user_id/personality.
func (h *Handlers) GetPersonality(c *gin.Context) {
	snapshot, err := h.persona.GetSnapshot(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

type deltaRequest struct {
	Pleasure  float64 `json:"pleasure"`
	Arousal   float64 `json:"arousal"`
	Dominance float64 `json:"dominance"`
	Reason    string  `json:"reason"`
}

// ApplyDelta handles POST /api/users/:user_id/personality/delta.
func (h *Handlers) ApplyDelta(c *gin.Context) {
	userID := c.Param("user_id")
	var req deltaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	state, err := h.persona.ApplyInteractionDelta(c.Request.Context(), userID, personality.PAD{
		Pleasure:  req.Pleasure,
		Arousal:   req.Arousal,
		Dominance: req.Dominance,
	}, req.Reason)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pad_state":     state.PAD,
		"emotion_label": state.EmotionLabel,
	})
}

// ListConflicts handles GET /api/users/:user_id/conflicts. The status
// query parameter filters; default is pending.
func (h *Handlers) ListConflicts(c *gin.Context) {
	status := c.DefaultQuery("status", consolidation.ConflictPending)
	if status == "all" {
		status = ""
	}

	conflicts, err := h.conflicts.Conflicts(c.Request.Context(), c.Param("user_id"), status)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts, "count": len(conflicts)})
}

type conflictUpdateRequest struct {
	Status string `json:"status"`
}

// UpdateConflict handles PATCH /api/users/:user_id/conflicts/:conflict_id.
func (h *Handlers) UpdateConflict(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("conflict_id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conflict id"})
		return
	}
	var req conflictUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	conflict, err := h.conflicts.UpdateConflictStatus(c.Request.Context(), c.Param("user_id"), uint(id), req.Status)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, conflict)
}

// TriggerConsolidation handles POST /api/users/:user_id/consolidate, a
// manual run outside the nightly schedule.
func (h *Handlers) TriggerConsolidation(c *gin.Context) {
	run, err := h.engine.RunForUser(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if run == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "consolidation already in progress"})
		return
	}
	c.JSON(http.StatusOK, run)
}

// abortWithError maps the error taxonomy onto HTTP statuses. Consistency
// violations log loudly; they indicate a bug, not a bad request.
func abortWithError(c *gin.Context, err error) {
	switch {
	case lyraerr.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case lyraerr.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case lyraerr.IsTransient(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case lyraerr.IsConsistency(err):
		log.Error().Err(err).Str("path", c.FullPath()).Msg("consistency violation surfaced to API")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func idemScope(userID, key string) string {
	return userID + ":" + key
}
