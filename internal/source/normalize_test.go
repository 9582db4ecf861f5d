package source

import (
	"testing"
	"time"

	"github.com/multiroom/metacast/internal/state"
)

func TestNormalizeTrackPatchesOnlyReportedFields(t *testing.T) {
	tp, _ := Normalize("spotify", RawEvent{
		Kind:   KindTrack,
		Fields: map[string]string{FieldTitle: "Song A"},
		At:     time.Now(),
	})
	if tp == nil {
		t.Fatal("Normalize() returned nil track patch")
	}
	if *tp.Title != "Song A" {
		t.Errorf("Title = %v, want Song A", *tp.Title)
	}
	// A field the event does not mention stays untouched so the last known
	// value per field survives a title-only item.
	if tp.Artist != nil {
		t.Errorf("Artist = %v, want nil for unreported field", *tp.Artist)
	}
	if tp.Album != nil {
		t.Errorf("Album = %v, want nil for unreported field", *tp.Album)
	}
	if tp.AlbumArtist != nil {
		t.Errorf("AlbumArtist = %v, want nil for unreported field", *tp.AlbumArtist)
	}
}

func TestNormalizeTrackFallbacks(t *testing.T) {
	// A complete snapshot with empty fields resets them to the fallbacks.
	tp, _ := Normalize("spotify", RawEvent{
		Kind: KindTrack,
		Fields: map[string]string{
			FieldTitle:  "Song A",
			FieldArtist: "",
			FieldAlbum:  "",
		},
		At: time.Now(),
	})
	if *tp.Title != "Song A" {
		t.Errorf("Title = %v, want Song A", *tp.Title)
	}
	if *tp.Artist != state.UnknownArtist {
		t.Errorf("Artist = %v, want %v", *tp.Artist, state.UnknownArtist)
	}
	if *tp.Album != state.UnknownAlbum {
		t.Errorf("Album = %v, want %v", *tp.Album, state.UnknownAlbum)
	}
	// Album artist falls back to the track artist, not its own unknown value.
	if *tp.AlbumArtist != state.UnknownArtist {
		t.Errorf("AlbumArtist = %v, want %v", *tp.AlbumArtist, state.UnknownArtist)
	}
}

func TestNormalizeTrackToken(t *testing.T) {
	tp, _ := Normalize("spotify", RawEvent{
		Kind: KindTrack,
		Fields: map[string]string{
			FieldTitle: "Song A",
			FieldToken: "spotify:track:abc",
		},
	})
	if tp.Token == nil || *tp.Token != "spotify:track:abc" {
		t.Errorf("Token = %v, want source-provided id", tp.Token)
	}

	// Without a source-provided id the patch carries no token; the store
	// derives one from the merged identity fields.
	tp, _ = Normalize("spotify", RawEvent{
		Kind:   KindTrack,
		Fields: map[string]string{FieldTitle: "Song A", FieldArtist: "X"},
	})
	if tp.Token != nil {
		t.Errorf("Token = %v, want nil without a source id", *tp.Token)
	}
}

func TestNormalizeVolume(t *testing.T) {
	_, pp := Normalize("airplay", RawEvent{
		Kind:   KindVolume,
		Fields: map[string]string{FieldVolume: "62"},
	})
	if pp == nil || pp.Volume == nil {
		t.Fatal("Normalize() dropped the volume")
	}
	if *pp.Volume != 62 {
		t.Errorf("Volume = %v, want 62", *pp.Volume)
	}

	_, pp = Normalize("airplay", RawEvent{
		Kind:   KindVolume,
		Fields: map[string]string{FieldVolume: "loud"},
	})
	if pp != nil {
		t.Errorf("Normalize() = %v, want nil for unparsable volume", pp)
	}
}

func TestPipelinePartialTrackKeepsKnownFields(t *testing.T) {
	store := state.NewStore([]state.SourceInfo{{SourceID: "airplay"}}, time.Second, 15*time.Second)
	p := NewPipeline(store, "airplay")

	p.Emit(RawEvent{
		Kind: KindTrack,
		Fields: map[string]string{
			FieldTitle:  "Song A",
			FieldArtist: "Artist X",
			FieldAlbum:  "Album Y",
		},
		At: time.Now(),
	})
	// A stray item naming only the title, as the metadata pipe produces
	// outside a bundle.
	p.Emit(RawEvent{
		Kind:   KindTrack,
		Fields: map[string]string{FieldTitle: "Song B"},
		At:     time.Now(),
	})

	st, err := store.Read("airplay")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if st.Track.Title != "Song B" {
		t.Errorf("Title = %v, want Song B", st.Track.Title)
	}
	if st.Track.Artist != "Artist X" {
		t.Errorf("Artist = %v, want Artist X", st.Track.Artist)
	}
	if st.Track.Album != "Album Y" {
		t.Errorf("Album = %v, want Album Y", st.Track.Album)
	}
}

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		status string
		want   state.Status
		ok     bool
	}{
		{"playing", state.StatusPlaying, true},
		{"paused", state.StatusPaused, true},
		{"stopped", state.StatusStopped, true},
		{"buffering", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			_, pp := Normalize("s", RawEvent{
				Kind:   KindStatus,
				Fields: map[string]string{FieldStatus: tt.status},
			})
			if tt.ok {
				if pp == nil || pp.Status == nil || *pp.Status != tt.want {
					t.Errorf("Status = %v, want %v", pp, tt.want)
				}
			} else if pp != nil {
				t.Errorf("Normalize() = %v, want nil for %q", pp, tt.status)
			}
		})
	}
}

func TestNormalizeProgress(t *testing.T) {
	_, pp := Normalize("s", RawEvent{
		Kind: KindProgress,
		Fields: map[string]string{
			FieldPositionMs: "65000",
			FieldDurationMs: "180000",
		},
	})
	if pp == nil {
		t.Fatal("Normalize() returned nil playback patch")
	}
	if *pp.PositionMs != 65000 || *pp.DurationMs != 180000 {
		t.Errorf("position/duration = %v/%v, want 65000/180000", *pp.PositionMs, *pp.DurationMs)
	}
}

func TestNormalizeProgressClampsPosition(t *testing.T) {
	_, pp := Normalize("s", RawEvent{
		Kind: KindProgress,
		Fields: map[string]string{
			FieldPositionMs: "200000",
			FieldDurationMs: "180000",
		},
	})
	if *pp.PositionMs != 180000 {
		t.Errorf("PositionMs = %v, want clamped to duration", *pp.PositionMs)
	}
}

func TestNormalizeProgressIgnoresGarbage(t *testing.T) {
	_, pp := Normalize("s", RawEvent{
		Kind:   KindProgress,
		Fields: map[string]string{FieldPositionMs: "soon"},
	})
	if pp != nil {
		t.Errorf("Normalize() = %v, want nil for unparsable progress", pp)
	}
}

func TestNormalizeArtwork(t *testing.T) {
	art := &state.Artwork{Data: []byte{0xff, 0xd8}, Format: "jpeg"}
	tp, _ := Normalize("s", RawEvent{Kind: KindArtwork, Artwork: art})
	if tp == nil || tp.Artwork != art {
		t.Error("artwork event should carry the image through")
	}

	tp, pp := Normalize("s", RawEvent{Kind: KindArtwork})
	if tp != nil || pp != nil {
		t.Error("empty artwork event should be dropped")
	}
}

func TestNormalizeUnknownKind(t *testing.T) {
	tp, pp := Normalize("s", RawEvent{Kind: "telemetry"})
	if tp != nil || pp != nil {
		t.Error("unknown kinds should normalize to nothing")
	}
}
