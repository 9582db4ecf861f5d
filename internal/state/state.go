package state

import (
	"fmt"
	"hash/fnv"
	"time"
)

// Status is the transport status of a source.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusPlaying Status = "playing"
	StatusPaused  Status = "paused"
)

// Fallback values applied when a backend does not report a field.
const (
	UnknownTitle       = "Unknown Title"
	UnknownArtist      = "Unknown Artist"
	UnknownAlbum       = "Unknown Album"
	UnknownAlbumArtist = "Unknown Album Artist"
)

// PositionUnknown marks position/duration fields a source does not report.
const PositionUnknown int64 = -1

// VolumeUnknown marks the volume of a source that has never reported one.
const VolumeUnknown int = -1

// Artwork is a fully reassembled cover image. Instances are immutable once
// stored: readers may hold the pointer without copying the data.
type Artwork struct {
	Data   []byte `json:"-"`
	Format string `json:"format"` // "jpeg" or "png"
}

// Track identifies the currently announced audio content of a source.
type Track struct {
	Title       string   `json:"title"`
	Artist      string   `json:"artist"`
	Album       string   `json:"album"`
	AlbumArtist string   `json:"albumArtist"`
	Artwork     *Artwork `json:"artwork,omitempty"`
	SourceID    string   `json:"sourceId"`

	// Token changes whenever the track identity changes, even if the
	// metadata fields happen to be equal. Backends that resend identical
	// metadata on every poll tick are deduplicated through it.
	Token string `json:"trackToken"`
}

// PlaybackState is the transport state of a source.
type PlaybackState struct {
	Status     Status `json:"status"`
	PositionMs int64  `json:"positionMs"`
	DurationMs int64  `json:"durationMs"`
	CanSeek    bool   `json:"canSeek"`
	Volume     int    `json:"volume"` // 0-100, VolumeUnknown when never reported

	// LastUpdatedAt is the time of the last observation from the source.
	// Arbitration and staleness checks are based on it.
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

// SourceState is the canonical per-source state held by the Store.
type SourceState struct {
	SourceID string        `json:"sourceId"`
	Priority int           `json:"priority"`
	Track    Track         `json:"track"`
	Playback PlaybackState `json:"playback"`
	Stale    bool          `json:"stale"`

	// ArtworkGeneration increments every time the artwork is replaced.
	ArtworkGeneration uint64 `json:"artworkGeneration"`
}

// TrackPatch is a partial Track update. Nil fields are left unchanged.
type TrackPatch struct {
	Title       *string
	Artist      *string
	Album       *string
	AlbumArtist *string
	Token       *string
	Artwork     *Artwork
}

// PlaybackPatch is a partial PlaybackState update. Nil fields are left
// unchanged. Seek permits the position to move backwards for the same track.
type PlaybackPatch struct {
	Status     *Status
	PositionMs *int64
	DurationMs *int64
	CanSeek    *bool
	Volume     *int
	Seek       bool
}

// Mutation describes one applied Store update, delivered to subscribers.
type Mutation struct {
	SourceID      string
	ActiveSource  string
	ActiveChanged bool

	// ArtworkChanged is set when this update replaced the source's artwork.
	ArtworkChanged bool

	At time.Time
}

// IdentityToken derives a track token from the metadata fields, for backends
// that do not supply a persistent identifier of their own.
func IdentityToken(sourceID, title, artist, album string) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%s", sourceID, title, artist, album)
	return fmt.Sprintf("%016x", h.Sum64())
}

// baseline returns the stopped/unknown state a source is reset to.
func baseline(sourceID string, priority int) SourceState {
	return SourceState{
		SourceID: sourceID,
		Priority: priority,
		Track: Track{
			Title:       UnknownTitle,
			Artist:      UnknownArtist,
			Album:       UnknownAlbum,
			AlbumArtist: UnknownAlbumArtist,
			SourceID:    sourceID,
		},
		Playback: PlaybackState{
			Status:     StatusStopped,
			PositionMs: PositionUnknown,
			DurationMs: PositionUnknown,
			Volume:     VolumeUnknown,
		},
	}
}
