package model

// ActivatedMemoryMode controls how an activated memory is injected.
// Snippet-mode entries are pinned; index-mode entries are evicted first.
type ActivatedMemoryMode string

const (
	ModeSnippet ActivatedMemoryMode = "snippet"
	ModeIndex   ActivatedMemoryMode = "index"
)

// ActivatedMemory is one retrieval result held in the session working set.
type ActivatedMemory struct {
	MemoryID   string              `json:"memoryId"`
	EntityType string              `json:"type"`
	Title      string              `json:"title"`
	Snippet    string              `json:"snippet,omitempty"`
	Mode       ActivatedMemoryMode `json:"mode"`
	AddedAt    int64               `json:"addedAt"`
}

// ActiveEntityStackItem is one recently mentioned entity.
type ActiveEntityStackItem struct {
	ID           string `json:"id"`
	EntityType   string `json:"type"`
	MentionedAt  int64  `json:"mentionedAt"`
	MentionCount int    `json:"mentionCount"`
	LastTurnSeq  int64  `json:"lastTurnSeq"`
}

// SessionRagState is the per-session working memory. Epoch increments on
// every compaction; clients holding an older epoch must rehydrate.
type SessionRagState struct {
	Epoch                  int                        `json:"epoch"`
	Activated              map[string]ActivatedMemory `json:"activated"`
	ActivatedOrder         []string                   `json:"activatedOrder"`
	ActiveEntities         []ActiveEntityStackItem    `json:"activeEntities"`
	InjectedMemoryIDsEpoch []string                   `json:"injectedMemoryIdsEpoch"`
	RehydrationNeeded      bool                       `json:"rehydrationNeeded,omitempty"`
}
