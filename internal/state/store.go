package state

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

const mutationBuffer = 64

// SourceInfo describes one configured backend at Store construction time.
type SourceInfo struct {
	SourceID string
	Priority int // lower wins arbitration ties
}

// Store holds the latest canonical state per source and computes the active
// source. One entry exists per configured backend for the process lifetime;
// entries are never removed, only reset to a stopped/unknown baseline.
type Store struct {
	mu      sync.RWMutex
	sources map[string]*SourceState
	order   []string // sourceIDs sorted by priority, then name

	grace     time.Duration
	freshness time.Duration
	now       func() time.Time

	active       string
	activeLostAt time.Time

	subs   []chan Mutation
	subsMu sync.Mutex
}

// NewStore creates a Store with one baseline entry per configured source.
// grace is how long a source that left "playing" stays active when no other
// source is playing; freshness is the staleness window for debug reporting.
func NewStore(infos []SourceInfo, grace, freshness time.Duration) *Store {
	s := &Store{
		sources:   make(map[string]*SourceState, len(infos)),
		grace:     grace,
		freshness: freshness,
		now:       time.Now,
	}
	for _, info := range infos {
		st := baseline(info.SourceID, info.Priority)
		s.sources[info.SourceID] = &st
		s.order = append(s.order, info.SourceID)
	}
	sort.Slice(s.order, func(i, j int) bool {
		a, b := s.sources[s.order[i]], s.sources[s.order[j]]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.SourceID < b.SourceID
	})
	return s
}

// SetNowFunc replaces the clock, for tests.
func (s *Store) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Subscribe returns a channel of Store mutations. Delivery is best-effort:
// if the subscriber falls behind, intermediate mutations are dropped and the
// subscriber is expected to re-read current state on the next one.
func (s *Store) Subscribe() <-chan Mutation {
	ch := make(chan Mutation, mutationBuffer)
	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()
	return ch
}

// Update applies an atomic partial update to one source. Only non-nil patch
// fields are replaced. It refreshes LastUpdatedAt, recomputes the active
// source and notifies subscribers.
func (s *Store) Update(sourceID string, tp *TrackPatch, pp *PlaybackPatch) error {
	s.mu.Lock()

	src, ok := s.sources[sourceID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown source: %s", sourceID)
	}

	now := s.now()
	m := Mutation{SourceID: sourceID, At: now}

	tokenChanged := false
	if tp != nil {
		// Absent fields keep their last known value; only the fields the
		// source actually reported are replaced.
		identityChanged := false
		if tp.Title != nil && *tp.Title != src.Track.Title {
			src.Track.Title = *tp.Title
			identityChanged = true
		}
		if tp.Artist != nil && *tp.Artist != src.Track.Artist {
			src.Track.Artist = *tp.Artist
			identityChanged = true
		}
		if tp.Album != nil && *tp.Album != src.Track.Album {
			src.Track.Album = *tp.Album
			identityChanged = true
		}
		if tp.AlbumArtist != nil {
			src.Track.AlbumArtist = *tp.AlbumArtist
		}
		if tp.Token != nil {
			if *tp.Token != src.Track.Token {
				tokenChanged = true
				src.Track.Token = *tp.Token
			}
		} else if identityChanged {
			// No source-provided id: the token follows the merged identity
			// fields, so a resend of identical metadata keeps the old token.
			tok := IdentityToken(sourceID, src.Track.Title, src.Track.Artist, src.Track.Album)
			if tok != src.Track.Token {
				tokenChanged = true
				src.Track.Token = tok
			}
		}
		if tp.Artwork != nil {
			// Whole images only; chunk reassembly happens in the listeners.
			src.Track.Artwork = tp.Artwork
			src.ArtworkGeneration++
			m.ArtworkChanged = true
		}
	}

	if pp != nil {
		if pp.Status != nil {
			src.Playback.Status = *pp.Status
		}
		if pp.DurationMs != nil {
			src.Playback.DurationMs = *pp.DurationMs
		}
		if pp.PositionMs != nil {
			pos := *pp.PositionMs
			// Position never moves backwards for the same playing track
			// unless the source signalled a seek.
			regressed := src.Playback.Status == StatusPlaying &&
				!tokenChanged && !pp.Seek &&
				src.Playback.PositionMs != PositionUnknown &&
				pos < src.Playback.PositionMs
			if !regressed {
				src.Playback.PositionMs = pos
			}
		}
		if pp.CanSeek != nil {
			src.Playback.CanSeek = *pp.CanSeek
		}
		if pp.Volume != nil {
			src.Playback.Volume = *pp.Volume
		}
	}

	src.Playback.LastUpdatedAt = now

	prev := s.active
	s.recomputeActiveLocked(now)
	m.ActiveSource = s.active
	m.ActiveChanged = s.active != prev

	s.mu.Unlock()

	s.notify(m)
	return nil
}

// Reset returns a source to its stopped/unknown baseline, preserving its
// configured priority. Used when a backend disappears entirely.
func (s *Store) Reset(sourceID string) error {
	s.mu.Lock()
	src, ok := s.sources[sourceID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown source: %s", sourceID)
	}

	now := s.now()
	st := baseline(sourceID, src.Priority)
	st.Playback.LastUpdatedAt = now
	*src = st

	prev := s.active
	s.recomputeActiveLocked(now)
	m := Mutation{
		SourceID:      sourceID,
		ActiveSource:  s.active,
		ActiveChanged: s.active != prev,
		At:            now,
	}
	s.mu.Unlock()

	s.notify(m)
	return nil
}

// Read returns a copy of one source's state.
func (s *Store) Read(sourceID string) (SourceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src, ok := s.sources[sourceID]
	if !ok {
		return SourceState{}, fmt.Errorf("unknown source: %s", sourceID)
	}
	out := *src
	out.Stale = s.isStaleLocked(src)
	return out, nil
}

// Snapshot returns a copy of every source's state, ordered by priority.
func (s *Store) Snapshot() []SourceState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SourceState, 0, len(s.order))
	for _, id := range s.order {
		src := s.sources[id]
		st := *src
		st.Stale = s.isStaleLocked(src)
		out = append(out, st)
	}
	return out
}

// ActiveSource returns the source currently deemed authoritative, if any.
func (s *Store) ActiveSource() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recomputeActiveLocked(s.now())
	return s.active, s.active != ""
}

func (s *Store) isStaleLocked(src *SourceState) bool {
	if src.Playback.LastUpdatedAt.IsZero() {
		return false
	}
	return s.now().Sub(src.Playback.LastUpdatedAt) > s.freshness
}

// recomputeActiveLocked implements the arbitration policy: the playing source
// with the most recent observation wins, ties broken by configured priority
// then source name. A source that just left "playing" holds on for the grace
// period unless another source is already playing.
func (s *Store) recomputeActiveLocked(now time.Time) {
	var best *SourceState
	for _, id := range s.order {
		src := s.sources[id]
		if src.Playback.Status != StatusPlaying {
			continue
		}
		if best == nil || betterCandidate(src, best) {
			best = src
		}
	}

	if best != nil {
		if s.active != best.SourceID {
			s.active = best.SourceID
		}
		s.activeLostAt = time.Time{}
		return
	}

	// Nothing is playing. Keep the previous active source within the grace
	// window so brief hand-offs between sources do not flicker to idle.
	if s.active == "" {
		return
	}
	if s.activeLostAt.IsZero() {
		s.activeLostAt = now
		return
	}
	if now.Sub(s.activeLostAt) > s.grace {
		s.active = ""
		s.activeLostAt = time.Time{}
	}
}

// betterCandidate reports whether a should be preferred over b. Both must be
// playing. The comparison is a pure function of (lastUpdatedAt, priority,
// sourceID), so arbitration is deterministic for a fixed set of inputs.
func betterCandidate(a, b *SourceState) bool {
	if !a.Playback.LastUpdatedAt.Equal(b.Playback.LastUpdatedAt) {
		return a.Playback.LastUpdatedAt.After(b.Playback.LastUpdatedAt)
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.SourceID < b.SourceID
}

func (s *Store) notify(m Mutation) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- m:
		default:
			log.Printf("State subscriber lagging, dropped mutation for %s", m.SourceID)
		}
	}
}
