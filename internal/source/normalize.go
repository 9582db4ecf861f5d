package source

import (
	"log"
	"strconv"

	"github.com/multiroom/metacast/internal/state"
)

// Pipeline binds a listener to the State Store: it normalizes each RawEvent
// and applies the resulting patches. One Pipeline exists per source; listeners
// never touch the Store or each other's buffers directly.
type Pipeline struct {
	store    *state.Store
	sourceID string
}

// NewPipeline creates the normalization pipeline for one source.
func NewPipeline(store *state.Store, sourceID string) *Pipeline {
	return &Pipeline{store: store, sourceID: sourceID}
}

// SourceID returns the source this pipeline feeds.
func (p *Pipeline) SourceID() string { return p.sourceID }

// Emit normalizes ev and updates the Store.
func (p *Pipeline) Emit(ev RawEvent) {
	tp, pp := Normalize(p.sourceID, ev)
	if tp == nil && pp == nil {
		return
	}
	if err := p.store.Update(p.sourceID, tp, pp); err != nil {
		log.Printf("Failed to apply %s event from %s: %v", ev.Kind, p.sourceID, err)
	}
}

// Normalize maps a backend-agnostic RawEvent onto canonical patches,
// applying fallback values for missing track fields. Returns (nil, nil) for
// events that carry nothing applicable.
func Normalize(sourceID string, ev RawEvent) (*state.TrackPatch, *state.PlaybackPatch) {
	switch ev.Kind {
	case KindTrack:
		return normalizeTrack(sourceID, ev)
	case KindStatus:
		if st, ok := parseStatus(ev.Fields[FieldStatus]); ok {
			return nil, &state.PlaybackPatch{Status: &st}
		}
		return nil, nil
	case KindProgress:
		return nil, normalizeProgress(ev)
	case KindArtwork:
		if ev.Artwork == nil || len(ev.Artwork.Data) == 0 {
			return nil, nil
		}
		return &state.TrackPatch{Artwork: ev.Artwork}, nil
	case KindVolume:
		if v, err := strconv.Atoi(ev.Fields[FieldVolume]); err == nil && v >= 0 && v <= 100 {
			return nil, &state.PlaybackPatch{Volume: &v}
		}
		return nil, nil
	default:
		return nil, nil
	}
}

func normalizeTrack(sourceID string, ev RawEvent) (*state.TrackPatch, *state.PlaybackPatch) {
	tp := &state.TrackPatch{}

	// Fields the event does not carry are left alone: the reconstructed
	// track keeps the last known value per field. A field reported empty
	// resets to its unknown fallback.
	if v, ok := ev.Fields[FieldTitle]; ok {
		title := fallback(v, state.UnknownTitle)
		tp.Title = &title
	}
	if v, ok := ev.Fields[FieldArtist]; ok {
		artist := fallback(v, state.UnknownArtist)
		tp.Artist = &artist
	}
	if v, ok := ev.Fields[FieldAlbum]; ok {
		album := fallback(v, state.UnknownAlbum)
		tp.Album = &album
	}
	if v, ok := ev.Fields[FieldAlbumArtist]; ok && v != "" {
		albumArtist := v
		tp.AlbumArtist = &albumArtist
	} else if tp.Artist != nil {
		// Most backends only report the track artist.
		tp.AlbumArtist = tp.Artist
	}
	if v := ev.Fields[FieldToken]; v != "" {
		token := v
		tp.Token = &token
	}
	if ev.Artwork != nil && len(ev.Artwork.Data) > 0 {
		tp.Artwork = ev.Artwork
	}

	pp := normalizeProgress(ev)
	if st, ok := parseStatus(ev.Fields[FieldStatus]); ok {
		if pp == nil {
			pp = &state.PlaybackPatch{}
		}
		pp.Status = &st
	}
	return tp, pp
}

func normalizeProgress(ev RawEvent) *state.PlaybackPatch {
	var pp state.PlaybackPatch
	any := false

	if v, err := strconv.ParseInt(ev.Fields[FieldPositionMs], 10, 64); err == nil && v >= 0 {
		pp.PositionMs = &v
		any = true
	}
	if v, err := strconv.ParseInt(ev.Fields[FieldDurationMs], 10, 64); err == nil && v >= 0 {
		pp.DurationMs = &v
		any = true
	}
	if pp.PositionMs != nil && pp.DurationMs != nil && *pp.PositionMs > *pp.DurationMs {
		// positionMs <= durationMs when both are known.
		pp.PositionMs = pp.DurationMs
	}
	if v, err := strconv.ParseBool(ev.Fields[FieldCanSeek]); err == nil {
		pp.CanSeek = &v
		any = true
	}
	if v, err := strconv.ParseBool(ev.Fields[FieldSeek]); err == nil && v {
		pp.Seek = true
	}

	if !any {
		return nil
	}
	return &pp
}

func parseStatus(s string) (state.Status, bool) {
	switch s {
	case "playing":
		return state.StatusPlaying, true
	case "paused":
		return state.StatusPaused, true
	case "stopped":
		return state.StatusStopped, true
	}
	return "", false
}

func fallback(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
