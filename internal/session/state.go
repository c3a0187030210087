// Package session holds the per-session activated-memory state machine:
// a bounded working set of retrieval results and a bounded stack of
// recently mentioned entities, generation-stamped by a compaction epoch.
package session

import (
	"fmt"
	"sync"

	"github.com/substratehq/engram/internal/model"
)

// State is one session's working memory. All operations on a State are
// serialized: one session is one logical actor.
type State struct {
	mu sync.Mutex

	epoch             int
	activated         map[string]model.ActivatedMemory
	activatedOrder    []string
	mentions          []model.ActiveEntityStackItem
	injectedThisEpoch []string
	rehydrationNeeded bool

	activatedCap int
	mentionCap   int
}

func newState(activatedCap, mentionCap int) *State {
	return &State{
		activated:    make(map[string]model.ActivatedMemory),
		activatedCap: activatedCap,
		mentionCap:   mentionCap,
	}
}

// Epoch returns the current compaction epoch.
func (s *State) Epoch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Mention records that an entity was referenced at turn seq. A repeat
// mention bumps the count and recency; a fresh one pushes onto the stack,
// evicting the least-recently-mentioned entry when capacity K is exceeded
// (ties broken by smallest mention count).
func (s *State) Mention(id, entityType string, turnSeq, at int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.mentions {
		if s.mentions[i].ID == id {
			s.mentions[i].MentionCount++
			s.mentions[i].LastTurnSeq = turnSeq
			s.mentions[i].MentionedAt = at
			return
		}
	}

	s.mentions = append(s.mentions, model.ActiveEntityStackItem{
		ID:           id,
		EntityType:   entityType,
		MentionedAt:  at,
		MentionCount: 1,
		LastTurnSeq:  turnSeq,
	})

	if len(s.mentions) > s.mentionCap {
		victim := 0
		for i := 1; i < len(s.mentions); i++ {
			if s.mentions[i].LastTurnSeq < s.mentions[victim].LastTurnSeq ||
				(s.mentions[i].LastTurnSeq == s.mentions[victim].LastTurnSeq &&
					s.mentions[i].MentionCount < s.mentions[victim].MentionCount) {
				victim = i
			}
		}
		s.mentions = append(s.mentions[:victim], s.mentions[victim+1:]...)
	}
}

// Activate adds a memory to the working set. When the set is full, the
// oldest index-mode entry is evicted first; snippet-mode entries are
// pinned and go only when no index-mode candidate remains.
func (s *State) Activate(mem model.ActivatedMemory) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.activated[mem.MemoryID]; exists {
		// Refresh in place; activation order is unchanged.
		s.activated[mem.MemoryID] = mem
		return
	}

	s.activated[mem.MemoryID] = mem
	s.activatedOrder = append(s.activatedOrder, mem.MemoryID)
	s.injectedThisEpoch = append(s.injectedThisEpoch, mem.MemoryID)

	if len(s.activatedOrder) <= s.activatedCap {
		return
	}

	victim := -1
	for i, id := range s.activatedOrder {
		if s.activated[id].Mode == model.ModeIndex {
			victim = i
			break
		}
	}
	if victim == -1 {
		victim = 0 // all pinned: the oldest snippet entry goes
	}
	evicted := s.activatedOrder[victim]
	s.activatedOrder = append(s.activatedOrder[:victim], s.activatedOrder[victim+1:]...)
	delete(s.activated, evicted)
}

// ActivateAt is Activate guarded by the caller's epoch: a client holding a
// pre-compaction snapshot must rehydrate before it may grow the set.
func (s *State) ActivateAt(epoch int, mem model.ActivatedMemory) error {
	s.mu.Lock()
	current := s.epoch
	s.mu.Unlock()
	if epoch != current {
		return fmt.Errorf("client epoch %d, session epoch %d: %w", epoch, current, model.ErrEpochMismatch)
	}
	s.Activate(mem)
	return nil
}

// Compact is invoked by the compaction collaborator. It increments the
// epoch exactly once, demotes index-mode entries per policy, and flags that
// clients must rehydrate before the next turn.
func (s *State) Compact(dropIndexEntries bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epoch++
	s.rehydrationNeeded = true
	s.injectedThisEpoch = nil

	if dropIndexEntries {
		kept := s.activatedOrder[:0]
		for _, id := range s.activatedOrder {
			if s.activated[id].Mode == model.ModeIndex {
				delete(s.activated, id)
				continue
			}
			kept = append(kept, id)
		}
		s.activatedOrder = kept
	}
	return s.epoch
}

// Rehydrated clears the rehydration flag once a client has refetched at
// the current epoch.
func (s *State) Rehydrated(epoch int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return fmt.Errorf("client epoch %d, session epoch %d: %w", epoch, s.epoch, model.ErrEpochMismatch)
	}
	s.rehydrationNeeded = false
	return nil
}

// Snapshot copies the state into its serializable form.
func (s *State) Snapshot() model.SessionRagState {
	s.mu.Lock()
	defer s.mu.Unlock()

	activated := make(map[string]model.ActivatedMemory, len(s.activated))
	for k, v := range s.activated {
		activated[k] = v
	}
	return model.SessionRagState{
		Epoch:                  s.epoch,
		Activated:              activated,
		ActivatedOrder:         append([]string(nil), s.activatedOrder...),
		ActiveEntities:         append([]model.ActiveEntityStackItem(nil), s.mentions...),
		InjectedMemoryIDsEpoch: append([]string(nil), s.injectedThisEpoch...),
		RehydrationNeeded:      s.rehydrationNeeded,
	}
}
