package memory

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/stellarlinkco/companion/internal/kv"
)

const (
	keySelfName        = "selfName"
	keyUserName        = "userName"
	keyMemoryAboutSelf = "memoryAboutSelf"
	keyMemoryAboutUser = "memoryAboutUser"
	keyShortTerm       = "shortTermMemory"
	keyLongTerm        = "longTermMemory"
	keyArchived        = "archivedMemory"

	DefaultUpdateAfter = 8 * time.Hour
)

// Store is the authoritative holder of profiles and memory collections.
// Every mutation is persisted first and committed in memory only after the
// write succeeded, so a failed write leaves the store unchanged.
type Store struct {
	mu          sync.RWMutex
	kv          kv.Store
	defaults    Profile
	updateAfter time.Duration

	profile   Profile
	shortTerm []ShortTermMemory
	longTerm  []LongTermMemory
	archived  []ShortTermMemory
}

func NewStore(kvs kv.Store, defaults Profile, updateAfter time.Duration) (*Store, error) {
	if updateAfter <= 0 {
		updateAfter = DefaultUpdateAfter
	}
	s := &Store{kv: kvs, defaults: defaults, updateAfter: updateAfter, profile: defaults}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	fields := []struct {
		key string
		dst *string
	}{
		{keySelfName, &s.profile.SelfName},
		{keyUserName, &s.profile.UserName},
		{keyMemoryAboutSelf, &s.profile.MemoryAboutSelf},
		{keyMemoryAboutUser, &s.profile.MemoryAboutUser},
	}
	for _, f := range fields {
		if _, err := kv.GetJSON(s.kv, f.key, f.dst); err != nil {
			return fmt.Errorf("load %s: %w", f.key, err)
		}
	}
	if _, err := kv.GetJSON(s.kv, keyShortTerm, &s.shortTerm); err != nil {
		return fmt.Errorf("load %s: %w", keyShortTerm, err)
	}
	if _, err := kv.GetJSON(s.kv, keyLongTerm, &s.longTerm); err != nil {
		return fmt.Errorf("load %s: %w", keyLongTerm, err)
	}
	if _, err := kv.GetJSON(s.kv, keyArchived, &s.archived); err != nil {
		return fmt.Errorf("load %s: %w", keyArchived, err)
	}
	return nil
}

func (s *Store) Profile() Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile
}

func (s *Store) ShortTermMemory() []ShortTermMemory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneTurns(s.shortTerm)
}

func (s *Store) LongTermMemory() []LongTermMemory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneLongTerm(s.longTerm)
}

func (s *Store) ArchivedMemory() []ShortTermMemory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneTurns(s.archived)
}

func (s *Store) setString(key string, dst *string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := kv.SetJSON(s.kv, key, value); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	*dst = value
	return nil
}

func (s *Store) SetSelfName(name string) error {
	return s.setString(keySelfName, &s.profile.SelfName, name)
}

func (s *Store) SetUserName(name string) error {
	return s.setString(keyUserName, &s.profile.UserName, name)
}

func (s *Store) SetMemoryAboutSelf(text string) error {
	return s.setString(keyMemoryAboutSelf, &s.profile.MemoryAboutSelf, text)
}

func (s *Store) SetMemoryAboutUser(text string) error {
	return s.setString(keyMemoryAboutUser, &s.profile.MemoryAboutUser, text)
}

func (s *Store) SetShortTermMemory(entries []ShortTermMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries = cloneTurns(entries)
	if err := kv.SetJSON(s.kv, keyShortTerm, nonNilTurns(entries)); err != nil {
		return fmt.Errorf("persist %s: %w", keyShortTerm, err)
	}
	s.shortTerm = entries
	return nil
}

func (s *Store) SetLongTermMemory(entries []LongTermMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries = cloneLongTerm(entries)
	if err := kv.SetJSON(s.kv, keyLongTerm, nonNilLongTerm(entries)); err != nil {
		return fmt.Errorf("persist %s: %w", keyLongTerm, err)
	}
	s.longTerm = entries
	return nil
}

func (s *Store) SetArchivedMemory(entries []ShortTermMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries = cloneTurns(entries)
	if err := kv.SetJSON(s.kv, keyArchived, nonNilTurns(entries)); err != nil {
		return fmt.Errorf("persist %s: %w", keyArchived, err)
	}
	s.archived = entries
	return nil
}

// AppendShortTermMemory adds turns to the end of the active conversation.
func (s *Store) AppendShortTermMemory(turns ...ShortTermMemory) error {
	if len(turns) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := append(cloneTurns(s.shortTerm), cloneTurns(turns)...)
	if err := kv.SetJSON(s.kv, keyShortTerm, next); err != nil {
		return fmt.Errorf("persist %s: %w", keyShortTerm, err)
	}
	s.shortTerm = next
	return nil
}

// DeleteLongTermMemory removes the entry with the given uuid. Unknown uuids
// are a no-op.
func (s *Store) DeleteLongTermMemory(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, m := range s.longTerm {
		if m.UUID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}

	next := make([]LongTermMemory, 0, len(s.longTerm)-1)
	next = append(next, s.longTerm[:idx]...)
	next = append(next, s.longTerm[idx+1:]...)
	if err := kv.SetJSON(s.kv, keyLongTerm, next); err != nil {
		return fmt.Errorf("persist %s: %w", keyLongTerm, err)
	}
	s.longTerm = next
	return nil
}

// ShouldUpdateMemory is true when there is an unconsolidated conversation
// whose latest turn is at least the update threshold old.
func (s *Store) ShouldUpdateMemory(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.shortTerm) == 0 {
		return false
	}
	latest := s.shortTerm[0].Timestamp
	for _, t := range s.shortTerm[1:] {
		if t.Timestamp > latest {
			latest = t.Timestamp
		}
	}
	return now.UnixMilli()-latest >= s.updateAfter.Milliseconds()
}

// ResetAllMemory restores default profiles and empties every collection.
func (s *Store) ResetAllMemory() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Profile: s.defaults}
	if err := s.persistSnapshot(snap); err != nil {
		return fmt.Errorf("reset memory: %w", err)
	}
	s.commitSnapshot(snap)
	log.Printf("[memory] all memory reset to defaults")
	return nil
}

// ApplyConsolidation folds a consolidation result into the store in one
// persisted batch: new long-term entries are prepended, both profiles are
// replaced, the consolidated turns move to the front of the archive and
// leave short-term memory.
func (s *Store) ApplyConsolidation(c *Consolidation) error {
	if c == nil || len(c.Batch) == 0 {
		return ErrNothingToConsolidate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	consolidated := make(map[string]bool, len(c.Batch))
	for _, t := range c.Batch {
		consolidated[t.UUID] = true
	}
	remaining := make([]ShortTermMemory, 0)
	for _, t := range s.shortTerm {
		if !consolidated[t.UUID] {
			remaining = append(remaining, t)
		}
	}

	snap := Snapshot{
		Profile:   s.profile,
		ShortTerm: remaining,
		LongTerm:  append(cloneLongTerm(c.NewMemories), s.longTerm...),
		Archived:  append(cloneTurns(c.Batch), s.archived...),
	}
	snap.MemoryAboutSelf = c.NewAiInfo
	snap.MemoryAboutUser = c.NewHumanInfo

	if err := s.persistSnapshot(snap); err != nil {
		return fmt.Errorf("apply consolidation: %w", err)
	}
	s.commitSnapshot(snap)
	return nil
}

func (s *Store) persistSnapshot(snap Snapshot) error {
	batch := kv.Batch{}
	puts := []struct {
		key string
		val any
	}{
		{keySelfName, snap.SelfName},
		{keyUserName, snap.UserName},
		{keyMemoryAboutSelf, snap.MemoryAboutSelf},
		{keyMemoryAboutUser, snap.MemoryAboutUser},
		{keyShortTerm, nonNilTurns(snap.ShortTerm)},
		{keyLongTerm, nonNilLongTerm(snap.LongTerm)},
		{keyArchived, nonNilTurns(snap.Archived)},
	}
	for _, p := range puts {
		if err := batch.Put(p.key, p.val); err != nil {
			return err
		}
	}
	return s.kv.SetMany(batch)
}

func (s *Store) commitSnapshot(snap Snapshot) {
	s.profile = snap.Profile
	s.shortTerm = cloneTurns(snap.ShortTerm)
	s.longTerm = cloneLongTerm(snap.LongTerm)
	s.archived = cloneTurns(snap.Archived)
}

// SessionStart is the timestamp of the oldest turn still in short-term memory.
func (s *Store) SessionStart() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return earliest(s.shortTerm)
}

// FirstInteraction is the oldest turn ever recorded, archived or active.
func (s *Store) FirstInteraction() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, okA := earliest(s.archived)
	b, okB := earliest(s.shortTerm)
	switch {
	case okA && okB:
		if a.Before(b) {
			return a, true
		}
		return b, true
	case okA:
		return a, true
	default:
		return b, okB
	}
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		ShortTerm: len(s.shortTerm),
		LongTerm:  len(s.longTerm),
		Archived:  len(s.archived),
	}
	for _, m := range s.longTerm {
		if len(m.Vector) == 0 {
			st.LongTermNoVec++
		}
	}
	for _, t := range s.shortTerm {
		if ts := Time(t.Timestamp); ts.After(st.LastTurnAt) {
			st.LastTurnAt = ts
		}
	}
	if a, ok := earliest(s.archived); ok {
		st.FirstContactAt = a
	}
	if b, ok := earliest(s.shortTerm); ok && (st.FirstContactAt.IsZero() || b.Before(st.FirstContactAt)) {
		st.FirstContactAt = b
	}
	return st
}

func earliest(turns []ShortTermMemory) (time.Time, bool) {
	if len(turns) == 0 {
		return time.Time{}, false
	}
	oldest := turns[0].Timestamp
	for _, t := range turns[1:] {
		if t.Timestamp < oldest {
			oldest = t.Timestamp
		}
	}
	return Time(oldest), true
}

func nonNilTurns(in []ShortTermMemory) []ShortTermMemory {
	if in == nil {
		return []ShortTermMemory{}
	}
	return in
}

func nonNilLongTerm(in []LongTermMemory) []LongTermMemory {
	if in == nil {
		return []LongTermMemory{}
	}
	return in
}
