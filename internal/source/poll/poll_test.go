package poll

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/multiroom/metacast/internal/source"
	"github.com/multiroom/metacast/internal/state"
)

const (
	timelineXML = `<MediaContainer>
  <Timeline type="photo" state="stopped"/>
  <Timeline type="music" state="playing" time="10000" duration="180000" key="/library/metadata/42"/>
</MediaContainer>`
	detailXML = `<MediaContainer>
  <Track title="Song A" grandparentTitle="Artist B" parentTitle="Album C" duration="180000" thumb="/thumb/42"/>
</MediaContainer>`
	idleXML = `<MediaContainer><Timeline type="photo" state="stopped"/></MediaContainer>`
)

func newTestServer(t *testing.T, detailStatus *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/player/timeline/poll", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(timelineXML))
	})
	mux.HandleFunc("/library/metadata/42", func(w http.ResponseWriter, r *http.Request) {
		if detailStatus != nil && atomic.LoadInt32(detailStatus) != 0 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(detailXML))
	})
	mux.HandleFunc("/thumb/42", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte{0xff, 0xd8, 0xff})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestStore() *state.Store {
	return state.NewStore([]state.SourceInfo{{SourceID: "plexamp"}}, time.Second, 15*time.Second)
}

func TestTickAnnouncesTrack(t *testing.T) {
	server := newTestServer(t, nil)
	store := newTestStore()
	l := New(source.NewPipeline(store, "plexamp"), server.URL, time.Second)

	l.tick(context.Background())

	st, err := store.Read("plexamp")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if st.Track.Title != "Song A" {
		t.Errorf("Title = %v, want Song A", st.Track.Title)
	}
	if st.Track.Artist != "Artist B" {
		t.Errorf("Artist = %v, want Artist B", st.Track.Artist)
	}
	if st.Track.Album != "Album C" {
		t.Errorf("Album = %v, want Album C", st.Track.Album)
	}
	if st.Track.Token != "/library/metadata/42" {
		t.Errorf("Token = %v, want /library/metadata/42", st.Track.Token)
	}
	if st.Playback.Status != state.StatusPlaying {
		t.Errorf("Status = %v, want playing", st.Playback.Status)
	}
	if st.Playback.PositionMs != 10000 {
		t.Errorf("PositionMs = %v, want 10000", st.Playback.PositionMs)
	}
	if st.Playback.DurationMs != 180000 {
		t.Errorf("DurationMs = %v, want 180000", st.Playback.DurationMs)
	}
	if st.Track.Artwork == nil || st.Track.Artwork.Format != "jpeg" {
		t.Errorf("Artwork = %+v, want downloaded jpeg", st.Track.Artwork)
	}
}

func TestTickSkipsDetailWhenKeyUnchanged(t *testing.T) {
	server := newTestServer(t, nil)
	store := newTestStore()
	l := New(source.NewPipeline(store, "plexamp"), server.URL, time.Second)

	l.tick(context.Background())
	if l.lastKey != "/library/metadata/42" {
		t.Fatalf("lastKey = %v, want /library/metadata/42", l.lastKey)
	}

	// Second tick with the same key only refreshes transport state.
	l.tick(context.Background())
	st, _ := store.Read("plexamp")
	if st.Track.Title != "Song A" {
		t.Errorf("Title = %v, want Song A", st.Track.Title)
	}
}

func TestRequestFailurePreservesState(t *testing.T) {
	server := newTestServer(t, nil)
	store := newTestStore()
	l := New(source.NewPipeline(store, "plexamp"), server.URL, time.Second)

	l.tick(context.Background())
	before, _ := store.Read("plexamp")

	// Point at a dead endpoint: the next ticks fail but must not clear state.
	server.Close()
	l.tick(context.Background())
	l.tick(context.Background())

	after, _ := store.Read("plexamp")
	if after.Track.Title != before.Track.Title {
		t.Errorf("Title = %v, want preserved %v", after.Track.Title, before.Track.Title)
	}
	if after.Playback.Status != before.Playback.Status {
		t.Errorf("Status = %v, want preserved %v", after.Playback.Status, before.Playback.Status)
	}
	if !after.Playback.LastUpdatedAt.Equal(before.Playback.LastUpdatedAt) {
		t.Error("LastUpdatedAt should age naturally, not be refreshed by failures")
	}
}

func TestDetailFailureRetriesNextTick(t *testing.T) {
	var detailStatus int32 = 1
	server := newTestServer(t, &detailStatus)
	store := newTestStore()
	l := New(source.NewPipeline(store, "plexamp"), server.URL, time.Second)

	l.tick(context.Background())
	if l.lastKey != "" {
		t.Errorf("lastKey = %v, want empty after detail failure", l.lastKey)
	}
	st, _ := store.Read("plexamp")
	if st.Track.Title != state.UnknownTitle {
		t.Errorf("Title = %v, want untouched", st.Track.Title)
	}

	atomic.StoreInt32(&detailStatus, 0)
	l.tick(context.Background())
	st, _ = store.Read("plexamp")
	if st.Track.Title != "Song A" {
		t.Errorf("Title = %v, want Song A after recovery", st.Track.Title)
	}
}

func TestIdleTimeline(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/player/timeline/poll", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(idleXML))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	store := newTestStore()
	l := New(source.NewPipeline(store, "plexamp"), server.URL, time.Second)
	l.tick(context.Background())

	st, _ := store.Read("plexamp")
	if st.Playback.Status != state.StatusStopped {
		t.Errorf("Status = %v, want stopped when no music timeline", st.Playback.Status)
	}
}
