// Package pipe reads shairport-sync style metadata from a named pipe. Items
// arrive as XML fragments whose type and code tags are hex-encoded four
// character codes and whose payloads are base64. Metadata bundles are
// delimited by mdst/mden markers and cover art arrives in chunks that are
// reassembled before being announced.
package pipe

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/multiroom/metacast/internal/source"
	"github.com/multiroom/metacast/internal/state"
)

const (
	itemEnd = "</item>"

	// Pipe payload timestamps are RTP clock ticks at the AirPlay sample rate.
	rtpRate = 44100

	reopenMax = 5 * time.Second
	idleWait  = 200 * time.Millisecond
)

// Listener reads one metadata pipe and feeds the pipeline.
type Listener struct {
	pipeline *source.Pipeline
	path     string
	dec      decoder
}

// New creates a pipe listener for the FIFO at path.
func New(pipeline *source.Pipeline, path string) *Listener {
	return &Listener{pipeline: pipeline, path: path}
}

// SourceID returns the source this listener feeds.
func (l *Listener) SourceID() string { return l.pipeline.SourceID() }

// Run opens the pipe and reads until ctx is cancelled. The pipe is reopened
// with exponential backoff when the writer goes away.
func (l *Listener) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		f, err := os.OpenFile(l.path, os.O_RDONLY|syscall.O_NONBLOCK, 0)
		if err != nil {
			log.Printf("Failed to open metadata pipe %s: %v", l.path, err)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff *= 2
			if backoff > reopenMax {
				backoff = reopenMax
			}
			continue
		}

		backoff = time.Second
		err = l.readLoop(ctx, f)
		f.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Printf("Metadata pipe %s closed: %v", l.path, err)
		}
	}
}

func (l *Listener) readLoop(ctx context.Context, f *os.File) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			f.Close()
		case <-done:
		}
	}()

	buf := make([]byte, 64*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			for _, ev := range l.dec.feed(buf[:n]) {
				l.pipeline.Emit(ev)
			}
		}
		if err == io.EOF {
			// Nonblocking FIFO with no writer attached.
			if !sleep(ctx, idleWait) {
				return ctx.Err()
			}
			continue
		}
		if err != nil {
			return err
		}
	}
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

// item is the wire representation of one pipe entry.
type item struct {
	Type   string `xml:"type"`
	Code   string `xml:"code"`
	Length int    `xml:"length"`
	Data   string `xml:"data"`
}

// decoder accumulates raw pipe bytes and turns complete items into events.
// A partial item at the end of a read is kept until the rest arrives.
type decoder struct {
	buf []byte

	// Metadata bundle in progress, nil outside mdst/mden.
	bundle map[string]string

	// Cover art reassembly. The chunk buffer is discarded whole whenever a
	// chunk arrives truncated or the track identity changes underneath it,
	// so a stale prefix can never be flushed.
	art []byte

	// lastToken is the most recent mper persistent id, used to detect a
	// track change while art chunks are still in flight.
	lastToken string
}

// feed consumes raw bytes and returns the events for every complete item.
func (d *decoder) feed(data []byte) []source.RawEvent {
	d.buf = append(d.buf, data...)

	var events []source.RawEvent
	for {
		idx := bytes.Index(d.buf, []byte(itemEnd))
		if idx < 0 {
			break
		}
		raw := d.buf[:idx+len(itemEnd)]
		d.buf = d.buf[idx+len(itemEnd):]

		start := bytes.Index(raw, []byte("<item>"))
		if start < 0 {
			continue
		}

		var it item
		if err := xml.Unmarshal(raw[start:], &it); err != nil {
			log.Printf("Skipping malformed pipe item: %v", err)
			continue
		}
		if evs, err := d.decode(it); err != nil {
			log.Printf("Skipping pipe item: %v", err)
		} else {
			events = append(events, evs...)
		}
	}
	return events
}

func (d *decoder) decode(it item) ([]source.RawEvent, error) {
	typ, err := fourCC(it.Type)
	if err != nil {
		return nil, fmt.Errorf("bad type tag %q: %w", it.Type, err)
	}
	code, err := fourCC(it.Code)
	if err != nil {
		return nil, fmt.Errorf("bad code tag %q: %w", it.Code, err)
	}

	var payload []byte
	if s := strings.TrimSpace(it.Data); s != "" {
		payload, err = base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("bad %s/%s payload: %w", typ, code, err)
		}
	}

	switch typ {
	case "core":
		return d.decodeCore(code, payload), nil
	case "ssnc":
		return d.decodeSession(code, payload, it.Length), nil
	}
	return nil, nil
}

func (d *decoder) decodeCore(code string, payload []byte) []source.RawEvent {
	var field, value string
	switch code {
	case "minm":
		field, value = source.FieldTitle, string(payload)
	case "asar":
		field, value = source.FieldArtist, string(payload)
	case "asal":
		field, value = source.FieldAlbum, string(payload)
	case "asaa":
		field, value = source.FieldAlbumArtist, string(payload)
	case "mper":
		if len(payload) != 8 {
			return nil
		}
		field = source.FieldToken
		value = fmt.Sprintf("%016x", binary.BigEndian.Uint64(payload))
		if d.lastToken != "" && value != d.lastToken && len(d.art) > 0 {
			// Art chunks still in flight belong to the previous track.
			d.art = nil
		}
		d.lastToken = value
	default:
		return nil
	}

	if d.bundle != nil {
		d.bundle[field] = value
		return nil
	}
	// Stray item outside a bundle, announce it on its own.
	return []source.RawEvent{{
		Kind:   source.KindTrack,
		Fields: map[string]string{field: value},
		At:     time.Now(),
	}}
}

func (d *decoder) decodeSession(code string, payload []byte, length int) []source.RawEvent {
	now := time.Now()
	switch code {
	case "mdst":
		d.bundle = make(map[string]string)
		// A new bundle announces a new track; any partial image from the
		// previous one must not survive it.
		d.art = nil
		return nil
	case "mden":
		if d.bundle == nil || len(d.bundle) == 0 {
			d.bundle = nil
			return nil
		}
		fields := d.bundle
		d.bundle = nil
		return []source.RawEvent{{Kind: source.KindTrack, Fields: fields, At: now}}
	case "pbeg", "prsm":
		return []source.RawEvent{statusEvent("playing", now)}
	case "pfls":
		return []source.RawEvent{statusEvent("paused", now)}
	case "pend":
		return []source.RawEvent{statusEvent("stopped", now)}
	case "prgr":
		ev, err := progressEvent(string(payload), now)
		if err != nil {
			log.Printf("Skipping progress report: %v", err)
			return nil
		}
		return []source.RawEvent{ev}
	case "pvol":
		ev, err := volumeEvent(string(payload), now)
		if err != nil {
			log.Printf("Skipping volume report: %v", err)
			return nil
		}
		return []source.RawEvent{ev}
	case "PICT":
		return d.decodeArtChunk(payload, length, now)
	}
	return nil
}

// decodeArtChunk appends one cover art chunk. An empty chunk is the end
// marker and flushes the reassembled image; a truncated chunk poisons the
// whole buffer so partial images are never announced.
func (d *decoder) decodeArtChunk(payload []byte, length int, now time.Time) []source.RawEvent {
	if len(payload) == 0 {
		if len(d.art) == 0 {
			return nil
		}
		img := d.art
		d.art = nil
		return []source.RawEvent{{
			Kind:    source.KindArtwork,
			Artwork: &state.Artwork{Data: img, Format: imageFormat(img)},
			At:      now,
		}}
	}
	if length > 0 && len(payload) < length {
		log.Printf("Discarding cover art: chunk truncated (%d of %d bytes)", len(payload), length)
		d.art = nil
		return nil
	}
	d.art = append(d.art, payload...)
	return nil
}

// progressEvent parses a "start/current/end" RTP timestamp triple.
func progressEvent(s string, now time.Time) (source.RawEvent, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 3 {
		return source.RawEvent{}, fmt.Errorf("expected start/current/end, got %q", s)
	}
	var ts [3]int64
	for i, p := range parts {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return source.RawEvent{}, fmt.Errorf("bad timestamp %q: %w", p, err)
		}
		ts[i] = v
	}
	start, current, end := ts[0], ts[1], ts[2]
	if current < start || end < start {
		return source.RawEvent{}, fmt.Errorf("inconsistent timestamps %q", s)
	}
	return source.RawEvent{
		Kind: source.KindProgress,
		Fields: map[string]string{
			source.FieldPositionMs: strconv.FormatInt((current-start)*1000/rtpRate, 10),
			source.FieldDurationMs: strconv.FormatInt((end-start)*1000/rtpRate, 10),
		},
		At: now,
	}, nil
}

// volumeEvent parses the airplay_volume field of a "vol,lowest,highest,hw"
// quadruple. The AirPlay scale runs -30..0 dB with -144 meaning mute.
func volumeEvent(s string, now time.Time) (source.RawEvent, error) {
	first := strings.Split(strings.TrimSpace(s), ",")[0]
	db, err := strconv.ParseFloat(first, 64)
	if err != nil {
		return source.RawEvent{}, fmt.Errorf("bad volume %q: %w", s, err)
	}
	pct := 0
	if db > -144 {
		pct = int((db + 30) / 30 * 100)
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
	}
	return source.RawEvent{
		Kind:   source.KindVolume,
		Fields: map[string]string{source.FieldVolume: strconv.Itoa(pct)},
		At:     now,
	}, nil
}

func statusEvent(status string, now time.Time) source.RawEvent {
	return source.RawEvent{
		Kind:   source.KindStatus,
		Fields: map[string]string{source.FieldStatus: status},
		At:     now,
	}
}

// fourCC decodes the hex-encoded four character code used by the type and
// code tags.
func fourCC(s string) (string, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return "", err
	}
	if len(b) != 4 {
		return "", fmt.Errorf("expected 4 bytes, got %d", len(b))
	}
	return string(b), nil
}

func imageFormat(data []byte) string {
	if len(data) >= 4 && bytes.Equal(data[:4], []byte{0x89, 'P', 'N', 'G'}) {
		return "png"
	}
	return "jpeg"
}
