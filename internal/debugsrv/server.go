// Package debugsrv serves the read-only inspection endpoints: human-readable
// metadata, the raw cover image and a JSON status snapshot. All handlers read
// copies of the Store state, so they are safe to poll frequently.
package debugsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/multiroom/metacast/internal/state"
)

// Server handles the debug HTTP endpoints.
type Server struct {
	store  *state.Store
	listen string
}

// NewServer creates a debug server over the given store.
func NewServer(store *state.Store, listen string) *Server {
	return &Server{store: store, listen: listen}
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/metadata", s.handleMetadata)
	mux.HandleFunc("/artwork", s.handleArtwork)
	mux.HandleFunc("/status.json", s.handleStatus)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:    s.listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("Starting debug server on http://%s", s.listen)
	return server.ListenAndServe()
}

// resolve picks the source to report on: the ?source= parameter when given,
// otherwise the active source.
func (s *Server) resolve(r *http.Request) (state.SourceState, error) {
	if id := r.URL.Query().Get("source"); id != "" {
		return s.store.Read(id)
	}
	active, ok := s.store.ActiveSource()
	if !ok {
		return state.SourceState{}, fmt.Errorf("no active source")
	}
	return s.store.Read(active)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	st, err := s.resolve(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "source: %s\n", st.SourceID)
	fmt.Fprintf(w, "status: %s\n", st.Playback.Status)
	fmt.Fprintf(w, "title: %s\n", st.Track.Title)
	fmt.Fprintf(w, "artist: %s\n", st.Track.Artist)
	fmt.Fprintf(w, "album: %s\n", st.Track.Album)
	fmt.Fprintf(w, "albumArtist: %s\n", st.Track.AlbumArtist)
	fmt.Fprintf(w, "trackToken: %s\n", st.Track.Token)
	if st.Playback.PositionMs != state.PositionUnknown {
		fmt.Fprintf(w, "position: %s\n", formatMs(st.Playback.PositionMs))
	}
	if st.Playback.DurationMs != state.PositionUnknown {
		fmt.Fprintf(w, "duration: %s\n", formatMs(st.Playback.DurationMs))
	}
	if st.Track.Artwork != nil {
		fmt.Fprintf(w, "artwork: %d bytes (%s)\n", len(st.Track.Artwork.Data), st.Track.Artwork.Format)
	}
	if st.Stale {
		fmt.Fprintln(w, "stale: true")
	}
}

func (s *Server) handleArtwork(w http.ResponseWriter, r *http.Request) {
	st, err := s.resolve(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if st.Track.Artwork == nil || len(st.Track.Artwork.Data) == 0 {
		http.Error(w, "no artwork", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/"+st.Track.Artwork.Format)
	w.Write(st.Track.Artwork.Data)
}

// statusDocument is the /status.json response body.
type statusDocument struct {
	ActiveSource string              `json:"activeSource,omitempty"`
	Sources      []state.SourceState `json:"sources"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc := statusDocument{Sources: s.store.Snapshot()}
	if active, ok := s.store.ActiveSource(); ok {
		doc.ActiveSource = active
	}
	writeJSON(w, doc)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func formatMs(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	return fmt.Sprintf("%02d:%02d.%03d", int(d.Minutes()), int(d.Seconds())%60, ms%1000)
}
