// Package poll queries a local player's HTTP timeline endpoint on a fixed
// interval (Plexamp style). The timeline reports transport state and the key
// of the current track; when the key changes the listener fetches the track
// detail document and downloads the cover image.
package poll

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/multiroom/metacast/internal/source"
	"github.com/multiroom/metacast/internal/state"
)

const timelinePath = "/player/timeline/poll?wait=0"

// maxBodyBytes bounds a single status or detail document.
const maxBodyBytes = 1 << 20

// Listener polls one backend and feeds the pipeline.
type Listener struct {
	pipeline *source.Pipeline
	baseURL  string
	interval time.Duration
	client   *http.Client

	// Track detail is only re-fetched when the timeline key changes.
	lastKey string
}

// New creates a poll listener for the player at baseURL.
func New(pipeline *source.Pipeline, baseURL string, interval time.Duration) *Listener {
	return &Listener{
		pipeline: pipeline,
		baseURL:  baseURL,
		interval: interval,
		client:   &http.Client{Timeout: interval},
	}
}

// SourceID returns the source this listener feeds.
func (l *Listener) SourceID() string { return l.pipeline.SourceID() }

// Run polls until ctx is cancelled. A failed request leaves the last known
// state untouched: transient network errors must not read as "stopped".
func (l *Listener) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Listener) tick(ctx context.Context) {
	tl, err := l.fetchTimeline(ctx)
	if err != nil {
		log.Printf("Poll of %s failed: %v", l.baseURL, err)
		return
	}
	if tl == nil {
		// No music timeline in the response; the player is idle.
		l.emitStatus("stopped", nil, nil)
		return
	}

	if tl.Key != "" && tl.Key != l.lastKey {
		if err := l.announceTrack(ctx, tl); err != nil {
			log.Printf("Failed to fetch track detail for %s: %v", tl.Key, err)
			// The key stays unchanged so the next tick retries the detail
			// fetch instead of silently skipping this track.
			return
		}
		l.lastKey = tl.Key
	}

	l.emitStatus(mapState(tl.State), tl.Time, tl.Duration)
}

func (l *Listener) emitStatus(status string, position, duration *int64) {
	fields := map[string]string{source.FieldStatus: status}
	if position != nil {
		fields[source.FieldPositionMs] = strconv.FormatInt(*position, 10)
		// The timeline position is authoritative, including after a seek.
		fields[source.FieldSeek] = "true"
	}
	if duration != nil {
		fields[source.FieldDurationMs] = strconv.FormatInt(*duration, 10)
	}
	l.pipeline.Emit(source.RawEvent{Kind: source.KindStatus, Fields: fields, At: time.Now()})
}

// announceTrack fetches the detail document for the timeline key and emits a
// track event, with the cover image when it can be downloaded.
func (l *Listener) announceTrack(ctx context.Context, tl *timeline) error {
	detail, err := l.fetchDetail(ctx, tl.Key)
	if err != nil {
		return err
	}

	fields := map[string]string{
		source.FieldTitle:   detail.Title,
		source.FieldArtist:  detail.GrandparentTitle,
		source.FieldAlbum:   detail.ParentTitle,
		source.FieldToken:   tl.Key,
		source.FieldCanSeek: "true",
		source.FieldSeek:    "true",
		source.FieldStatus:  mapState(tl.State),
	}
	if detail.Duration > 0 {
		fields[source.FieldDurationMs] = strconv.FormatInt(detail.Duration, 10)
	}
	if tl.Time != nil {
		fields[source.FieldPositionMs] = strconv.FormatInt(*tl.Time, 10)
	}

	ev := source.RawEvent{Kind: source.KindTrack, Fields: fields, At: time.Now()}
	if detail.Thumb != "" {
		if art, err := l.fetchArt(ctx, detail.Thumb); err != nil {
			log.Printf("Failed to download artwork %s: %v", detail.Thumb, err)
		} else {
			ev.Artwork = art
		}
	}
	l.pipeline.Emit(ev)
	return nil
}

// timeline is the music entry of the player's timeline document.
type timeline struct {
	Type     string `xml:"type,attr"`
	State    string `xml:"state,attr"`
	Key      string `xml:"key,attr"`
	Time     *int64 `xml:"time,attr"`
	Duration *int64 `xml:"duration,attr"`
}

type timelineContainer struct {
	Timelines []timeline `xml:"Timeline"`
}

// trackDetail is the first Track entry of the detail document.
type trackDetail struct {
	Title            string `xml:"title,attr"`
	GrandparentTitle string `xml:"grandparentTitle,attr"` // artist
	ParentTitle      string `xml:"parentTitle,attr"`      // album
	Duration         int64  `xml:"duration,attr"`
	Thumb            string `xml:"thumb,attr"`
}

type detailContainer struct {
	Tracks []trackDetail `xml:"Track"`
}

func (l *Listener) fetchTimeline(ctx context.Context) (*timeline, error) {
	body, err := l.get(ctx, l.baseURL+timelinePath)
	if err != nil {
		return nil, err
	}
	var container timelineContainer
	if err := xml.Unmarshal(body, &container); err != nil {
		return nil, fmt.Errorf("failed to parse timeline: %w", err)
	}
	for i := range container.Timelines {
		if container.Timelines[i].Type == "music" {
			return &container.Timelines[i], nil
		}
	}
	return nil, nil
}

func (l *Listener) fetchDetail(ctx context.Context, key string) (*trackDetail, error) {
	body, err := l.get(ctx, l.baseURL+key)
	if err != nil {
		return nil, err
	}
	var container detailContainer
	if err := xml.Unmarshal(body, &container); err != nil {
		return nil, fmt.Errorf("failed to parse track detail: %w", err)
	}
	if len(container.Tracks) == 0 {
		return nil, fmt.Errorf("track detail for %s has no entries", key)
	}
	return &container.Tracks[0], nil
}

func (l *Listener) fetchArt(ctx context.Context, thumb string) (*state.Artwork, error) {
	u := thumb
	if parsed, err := url.Parse(thumb); err == nil && !parsed.IsAbs() {
		u = l.baseURL + thumb
	}
	return source.FetchArtwork(ctx, u)
}

func (l *Listener) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/xml")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %s", u, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

func mapState(s string) string {
	switch s {
	case "playing":
		return "playing"
	case "paused":
		return "paused"
	default:
		return "stopped"
	}
}
