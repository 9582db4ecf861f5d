// Package event watches a JSON snapshot file that a player helper rewrites
// atomically on every player event (librespot onevent style). The file always
// holds the complete current state, so the listener simply re-reads it when
// the filesystem reports a change.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/multiroom/metacast/internal/source"
	"github.com/multiroom/metacast/internal/state"
)

// rereadDelay is how long to wait before the single retry when the snapshot
// file reads back empty or unparsable, which happens when the read lands
// between the helper's truncate and write.
const rereadDelay = 50 * time.Millisecond

// snapshot is the JSON document the player helper writes.
type snapshot struct {
	Event       string `json:"event"` // start|load|change|playing|paused|stopped|volume
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	Album       string `json:"album"`
	AlbumArtist string `json:"album_artist"`
	TrackID     string `json:"track_id"`
	DurationMs  *int64 `json:"duration_ms"`
	PositionMs  *int64 `json:"position_ms"`
	Volume      *int   `json:"volume"`
	ArtURL      string `json:"art_url"`
}

// Listener watches one snapshot file and feeds the pipeline.
type Listener struct {
	pipeline *source.Pipeline
	path     string
	fetchArt func(ctx context.Context, url string) (*state.Artwork, error)
}

// New creates an event listener for the snapshot file at path.
func New(pipeline *source.Pipeline, path string) *Listener {
	return &Listener{pipeline: pipeline, path: path, fetchArt: source.FetchArtwork}
}

// SourceID returns the source this listener feeds.
func (l *Listener) SourceID() string { return l.pipeline.SourceID() }

// Run watches the snapshot file until ctx is cancelled. The parent directory
// is watched rather than the file itself because atomic replacement swaps the
// inode out from under a file watch.
func (l *Listener) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	// Pick up whatever state the helper wrote before we started.
	l.readSnapshot(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher closed")
			}
			if ev.Name != l.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			l.readSnapshot(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher closed")
			}
			log.Printf("Watcher error on %s: %v", l.path, err)
		}
	}
}

// readSnapshot loads the file and emits the corresponding events, retrying
// once when the content is mid-replacement.
func (l *Listener) readSnapshot(ctx context.Context) {
	snap, err := load(l.path)
	if err != nil {
		time.Sleep(rereadDelay)
		snap, err = load(l.path)
	}
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Failed to read event snapshot %s: %v", l.path, err)
		}
		return
	}
	for _, ev := range l.events(ctx, snap) {
		l.pipeline.Emit(ev)
	}
}

func load(path string) (snapshot, error) {
	var snap snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	if len(data) == 0 {
		return snap, fmt.Errorf("snapshot empty")
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return snap, nil
}

// events converts one snapshot into raw events.
func (l *Listener) events(ctx context.Context, snap snapshot) []source.RawEvent {
	now := time.Now()
	var out []source.RawEvent

	switch snap.Event {
	case "start", "load", "change":
		fields := map[string]string{
			source.FieldTitle:       snap.Title,
			source.FieldArtist:      snap.Artist,
			source.FieldAlbum:       snap.Album,
			source.FieldAlbumArtist: snap.AlbumArtist,
		}
		if snap.TrackID != "" {
			fields[source.FieldToken] = snap.TrackID
		}
		if snap.DurationMs != nil {
			fields[source.FieldDurationMs] = strconv.FormatInt(*snap.DurationMs, 10)
		}
		if snap.PositionMs != nil {
			fields[source.FieldPositionMs] = strconv.FormatInt(*snap.PositionMs, 10)
		}
		if snap.Event != "start" {
			fields[source.FieldStatus] = "playing"
		}
		ev := source.RawEvent{Kind: source.KindTrack, Fields: fields, At: now}
		if snap.ArtURL != "" {
			if art, err := l.fetchArt(ctx, snap.ArtURL); err != nil {
				log.Printf("Failed to fetch artwork from %s: %v", snap.ArtURL, err)
			} else {
				ev.Artwork = art
			}
		}
		out = append(out, ev)
	case "playing", "paused", "stopped":
		fields := map[string]string{source.FieldStatus: snap.Event}
		if snap.PositionMs != nil {
			fields[source.FieldPositionMs] = strconv.FormatInt(*snap.PositionMs, 10)
			// Status events carry the authoritative position, including
			// backward jumps after a seek while paused.
			fields[source.FieldSeek] = "true"
		}
		out = append(out, source.RawEvent{Kind: source.KindStatus, Fields: fields, At: now})
	case "volume":
		if snap.Volume != nil {
			out = append(out, source.RawEvent{
				Kind:   source.KindVolume,
				Fields: map[string]string{source.FieldVolume: strconv.Itoa(*snap.Volume)},
				At:     now,
			})
		}
	default:
		log.Printf("Ignoring unknown event %q in %s", snap.Event, l.path)
	}
	return out
}
