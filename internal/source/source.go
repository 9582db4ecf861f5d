// Package source defines the listener boundary: every backend-specific
// listener decodes its native representation into RawEvents, which the
// Normalizer immediately converts into the canonical Track/PlaybackState
// model. No untyped backend data survives past this package.
package source

import (
	"context"
	"time"

	"github.com/multiroom/metacast/internal/state"
)

// Raw event kinds, shared across all listeners.
const (
	KindTrack    = "track"    // track identity fields changed
	KindStatus   = "status"   // transport status changed
	KindProgress = "progress" // position/duration report
	KindArtwork  = "artwork"  // a fully reassembled cover image
	KindVolume   = "volume"   // backend volume report
)

// Canonical field names used in RawEvent.Fields.
const (
	FieldTitle       = "title"
	FieldArtist      = "artist"
	FieldAlbum       = "album"
	FieldAlbumArtist = "albumArtist"
	FieldToken       = "token"
	FieldStatus      = "status" // "playing", "paused" or "stopped"
	FieldPositionMs  = "positionMs"
	FieldDurationMs  = "durationMs"
	FieldCanSeek     = "canSeek" // "true"/"false"
	FieldSeek        = "seek"    // "true" when the position report is a seek
	FieldVolume      = "volume"  // 0-100
)

// RawEvent is one parsed observation from a backend, before normalization.
type RawEvent struct {
	Kind    string
	Fields  map[string]string
	Artwork *state.Artwork
	At      time.Time
}

// Listener is one backend acquisition loop. Run blocks until ctx is
// cancelled; a listener never returns early because of a single bad event.
type Listener interface {
	SourceID() string
	Run(ctx context.Context) error
}
