// Package publish pushes canonical source state to a Snapcast server over
// its JSON-RPC websocket. Each source feeds one named stream; when the
// active source changes, playback groups are pointed at its stream before
// the metadata update goes out.
package publish

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/multiroom/metacast/internal/state"
)

// drainGrace bounds how long queued updates are flushed on shutdown.
const drainGrace = time.Second

// Options configures the Publisher.
type Options struct {
	ControlURL       string
	CoverArtDir      string
	ResponseTimeout  time.Duration
	PositionInterval time.Duration
	StaleDrop        time.Duration
	ReconnectMax     time.Duration

	// Streams maps sourceID to the Snapcast stream name it feeds.
	Streams map[string]string
}

// sent tracks what has already been pushed for one stream, for deduplication.
type sent struct {
	token       string
	status      state.Status
	title       string
	artist      string
	album       string
	albumArtist string
	durationMs  int64
	volume      int
	artGen      uint64
	artURL      string
	position    time.Time // last position push
}

func newSent() *sent {
	return &sent{durationMs: state.PositionUnknown, volume: state.VolumeUnknown}
}

// Publisher consumes Store mutations and mirrors them to the server.
type Publisher struct {
	store *state.Store
	opts  Options

	// artBase is the HTTP origin serving the server's web root, derived
	// from the control URL.
	artBase string

	dial func(ctx context.Context, url string, timeout time.Duration) (caller, error)

	groupIDs []string
	lastSent map[string]*sent
}

// New creates a Publisher for the given store.
func New(store *state.Store, opts Options) *Publisher {
	return &Publisher{
		store:    store,
		opts:     opts,
		artBase:  artBase(opts.ControlURL),
		dial:     dialRPC,
		lastSent: make(map[string]*sent),
	}
}

// artBase rewrites the websocket control URL into the HTTP origin that
// serves the server's web root (ws://host:1780/jsonrpc -> http://host:1780).
func artBase(controlURL string) string {
	u, err := url.Parse(controlURL)
	if err != nil {
		return ""
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

// Run connects to the server and publishes until ctx is cancelled,
// reconnecting with exponential backoff. On shutdown, already-queued updates
// are flushed within a bounded grace period.
func (p *Publisher) Run(ctx context.Context) error {
	muts := p.store.Subscribe()

	backoff := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c, err := p.dial(ctx, p.opts.ControlURL, p.opts.ResponseTimeout)
		if err != nil {
			log.Printf("Failed to connect control channel: %v", err)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff *= 2
			if backoff > p.opts.ReconnectMax {
				backoff = p.opts.ReconnectMax
			}
			continue
		}
		backoff = time.Second
		log.Printf("Connected to %s", p.opts.ControlURL)

		if err := p.resolveStreams(ctx, c); err != nil {
			log.Printf("Failed to resolve streams: %v", err)
			c.close()
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			continue
		}

		err = p.loop(ctx, c, muts)
		c.close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("Control channel lost: %v", err)

		// Everything must be re-pushed after a reconnect.
		p.lastSent = make(map[string]*sent)
	}
}

func (p *Publisher) loop(ctx context.Context, c caller, muts <-chan state.Mutation) error {
	ticker := time.NewTicker(p.opts.PositionInterval)
	defer ticker.Stop()

	// Push current state so a server restart does not leave streams blank.
	for _, st := range p.store.Snapshot() {
		p.publishSource(ctx, c, st, true)
	}
	if active, ok := p.store.ActiveSource(); ok {
		p.switchGroups(ctx, c, active)
	}

	for {
		select {
		case <-ctx.Done():
			p.drainQueued(c, muts)
			return ctx.Err()
		case <-c.closed():
			return fmt.Errorf("connection closed")
		case m := <-muts:
			p.handleMutation(ctx, c, m)
		case <-ticker.C:
			p.publishActivePosition(ctx, c)
		}
	}
}

// drainQueued flushes updates that were already queued when shutdown began,
// without accepting new work past the grace period.
func (p *Publisher) drainQueued(c caller, muts <-chan state.Mutation) {
	ctx, cancel := context.WithTimeout(context.Background(), drainGrace)
	defer cancel()

	for {
		select {
		case m := <-muts:
			p.handleMutation(ctx, c, m)
		case <-ctx.Done():
			return
		default:
			return
		}
	}
}

func (p *Publisher) handleMutation(ctx context.Context, c caller, m state.Mutation) {
	if p.opts.StaleDrop > 0 && time.Since(m.At) > p.opts.StaleDrop {
		log.Printf("Dropping stale update from %s (queued %s)", m.SourceID, time.Since(m.At).Round(time.Millisecond))
		return
	}

	// The stream switch goes out before the metadata update so listeners
	// never see new metadata against the old stream.
	if m.ActiveChanged && m.ActiveSource != "" {
		p.switchGroups(ctx, c, m.ActiveSource)
	}

	st, err := p.store.Read(m.SourceID)
	if err != nil {
		log.Printf("Failed to read state for %s: %v", m.SourceID, err)
		return
	}
	p.publishSource(ctx, c, st, false)
}

// publishSource pushes metadata, playback status and position for one source
// to its stream, deduplicating against what the server already has.
func (p *Publisher) publishSource(ctx context.Context, c caller, st state.SourceState, force bool) {
	stream, ok := p.opts.Streams[st.SourceID]
	if !ok {
		return
	}

	last := p.lastSent[stream]
	if last == nil {
		last = newSent()
		p.lastSent[stream] = last
	}

	artURL := last.artURL
	if st.Track.Artwork != nil && (force || st.ArtworkGeneration != last.artGen) {
		u, err := p.storeArtwork(st)
		if err != nil {
			log.Printf("Failed to store artwork for %s: %v", st.SourceID, err)
		} else {
			artURL = u
		}
	}

	metaChanged := force ||
		st.Track.Token != last.token ||
		st.Track.Title != last.title ||
		st.Track.Artist != last.artist ||
		st.Track.Album != last.album ||
		st.Track.AlbumArtist != last.albumArtist ||
		st.Playback.DurationMs != last.durationMs ||
		artURL != last.artURL

	if metaChanged {
		meta := map[string]interface{}{
			"title":       st.Track.Title,
			"artist":      []string{st.Track.Artist},
			"album":       st.Track.Album,
			"albumArtist": []string{st.Track.AlbumArtist},
			"trackId":     st.Track.Token,
		}
		if st.Playback.DurationMs != state.PositionUnknown {
			meta["duration"] = float64(st.Playback.DurationMs) / 1000
		}
		if artURL != "" {
			meta["artUrl"] = artURL
		}
		if err := p.setProperty(ctx, c, stream, "metadata", meta); err != nil {
			log.Printf("Failed to publish metadata for %s: %v", stream, err)
			return
		}
		last.token = st.Track.Token
		last.title = st.Track.Title
		last.artist = st.Track.Artist
		last.album = st.Track.Album
		last.albumArtist = st.Track.AlbumArtist
		last.durationMs = st.Playback.DurationMs
		last.artGen = st.ArtworkGeneration
		last.artURL = artURL
	}

	if st.Playback.Volume != state.VolumeUnknown &&
		(force || st.Playback.Volume != last.volume) {
		if err := p.setProperty(ctx, c, stream, "volume", st.Playback.Volume); err != nil {
			log.Printf("Failed to publish volume for %s: %v", stream, err)
			return
		}
		last.volume = st.Playback.Volume
	}

	if force || st.Playback.Status != last.status {
		if err := p.setProperty(ctx, c, stream, "playbackStatus", string(st.Playback.Status)); err != nil {
			log.Printf("Failed to publish status for %s: %v", stream, err)
			return
		}
		last.status = st.Playback.Status
		p.publishPosition(ctx, c, stream, st, last)
		return
	}

	// Position pushes are throttled while playing; every intermediate value
	// is redundant within the interval.
	if st.Playback.Status == state.StatusPlaying &&
		time.Since(last.position) >= p.opts.PositionInterval {
		p.publishPosition(ctx, c, stream, st, last)
	}
}

func (p *Publisher) publishPosition(ctx context.Context, c caller, stream string, st state.SourceState, last *sent) {
	if st.Playback.PositionMs == state.PositionUnknown {
		return
	}
	pos := float64(st.Playback.PositionMs) / 1000
	if err := p.setProperty(ctx, c, stream, "position", pos); err != nil {
		log.Printf("Failed to publish position for %s: %v", stream, err)
		return
	}
	last.position = time.Now()
}

// publishActivePosition re-reads the active source on the position tick so
// that pipe backends with sparse progress reports still advance smoothly.
func (p *Publisher) publishActivePosition(ctx context.Context, c caller) {
	active, ok := p.store.ActiveSource()
	if !ok {
		return
	}
	st, err := p.store.Read(active)
	if err != nil || st.Playback.Status != state.StatusPlaying {
		return
	}
	stream, ok := p.opts.Streams[active]
	if !ok {
		return
	}
	last := p.lastSent[stream]
	if last == nil {
		last = newSent()
		p.lastSent[stream] = last
	}
	if time.Since(last.position) >= p.opts.PositionInterval {
		p.publishPosition(ctx, c, stream, st, last)
	}
}

func (p *Publisher) setProperty(ctx context.Context, c caller, stream, property string, value interface{}) error {
	params := map[string]interface{}{
		"id":       stream,
		"property": property,
		"value":    value,
	}
	_, err := c.call(ctx, "Stream.SetProperty", params)
	return err
}

// switchGroups points every playback group at the active source's stream.
func (p *Publisher) switchGroups(ctx context.Context, c caller, active string) {
	stream, ok := p.opts.Streams[active]
	if !ok {
		return
	}
	for _, group := range p.groupIDs {
		params := map[string]interface{}{
			"id":        group,
			"stream_id": stream,
		}
		if _, err := c.call(ctx, "Group.SetStream", params); err != nil {
			log.Printf("Failed to switch group %s to %s: %v", group, stream, err)
			continue
		}
		log.Printf("Switched group %s to stream %s", group, stream)
	}
}

// serverStatus is the subset of Server.GetStatus we need.
type serverStatus struct {
	Server struct {
		Groups []struct {
			ID       string `json:"id"`
			StreamID string `json:"stream_id"`
		} `json:"groups"`
		Streams []struct {
			ID string `json:"id"`
		} `json:"streams"`
	} `json:"server"`
}

// resolveStreams fetches the server status, records the playback groups and
// warns about configured streams the server does not know.
func (p *Publisher) resolveStreams(ctx context.Context, c caller) error {
	raw, err := c.call(ctx, "Server.GetStatus", nil)
	if err != nil {
		return err
	}
	var status serverStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return fmt.Errorf("failed to parse server status: %w", err)
	}

	known := make(map[string]bool, len(status.Server.Streams))
	for _, s := range status.Server.Streams {
		known[s.ID] = true
	}
	for sourceID, stream := range p.opts.Streams {
		if !known[stream] {
			log.Printf("Warning: stream %q for source %s not found on server", stream, sourceID)
		}
	}

	p.groupIDs = p.groupIDs[:0]
	for _, g := range status.Server.Groups {
		p.groupIDs = append(p.groupIDs, g.ID)
	}
	return nil
}

// storeArtwork writes the cover image into the web root under a content-hash
// name and returns its URL. The name changes with the content, so a URL is
// immutable and safe to cache.
func (p *Publisher) storeArtwork(st state.SourceState) (string, error) {
	art := st.Track.Artwork
	ext := "jpg"
	if art.Format == "png" {
		ext = "png"
	}
	name := fmt.Sprintf("%s-%x.%s", sanitize(st.SourceID), md5.Sum(art.Data), ext)
	path := filepath.Join(p.opts.CoverArtDir, name)

	if _, err := os.Stat(path); err == nil {
		return p.artURL(name), nil
	}

	if err := os.MkdirAll(p.opts.CoverArtDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create coverart directory: %w", err)
	}

	// Write to temporary file first, then move
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, art.Data, 0644); err != nil {
		return "", fmt.Errorf("failed to write artwork: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to save artwork: %w", err)
	}
	return p.artURL(name), nil
}

func (p *Publisher) artURL(name string) string {
	if p.artBase == "" {
		return ""
	}
	return p.artBase + "/coverart/" + name
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
