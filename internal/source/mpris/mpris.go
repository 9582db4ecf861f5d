// Package mpris watches media players exposed over D-Bus. BlueZ publishes an
// org.bluez.MediaPlayer1 object for each connected A2DP device; the listener
// mirrors its Track, Status and Position properties into the pipeline.
package mpris

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/multiroom/metacast/internal/source"
)

const (
	bluezService        = "org.bluez"
	playerIface         = "org.bluez.MediaPlayer1"
	dbusPropertiesIface = "org.freedesktop.DBus.Properties"
	dbusObjectManager   = "org.freedesktop.DBus.ObjectManager"

	reconnectMax = 5 * time.Second
)

// Listener mirrors D-Bus media player state into the pipeline.
type Listener struct {
	pipeline *source.Pipeline
	bus      string // "system" or "session"
	player   string // optional object path fragment to match

	// Path of the player currently being followed. Signals from other
	// players are ignored until this one goes away.
	current dbus.ObjectPath

	connectBus func() (*dbus.Conn, error)
}

// New creates a D-Bus media player listener. player optionally restricts
// which player objects are followed, matched as a path substring.
func New(pipeline *source.Pipeline, bus, player string) *Listener {
	l := &Listener{pipeline: pipeline, bus: bus, player: player}
	l.connectBus = l.connect
	return l
}

// SourceID returns the source this listener feeds.
func (l *Listener) SourceID() string { return l.pipeline.SourceID() }

// Run follows player objects until ctx is cancelled. The bus connection is
// re-established with exponential backoff when it cannot be made or drops,
// so a daemon started before D-Bus (or losing it) recovers on its own.
func (l *Listener) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := l.connectBus()
		if err != nil {
			log.Printf("Failed to connect to D-Bus: %v", err)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}

		backoff = time.Second
		err = l.consume(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Printf("D-Bus connection lost: %v", err)
		}
		l.current = ""
	}
}

// consume subscribes to player signals on one bus connection and dispatches
// them until the connection drops or ctx is cancelled.
func (l *Listener) consume(ctx context.Context, conn *dbus.Conn) error {
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(dbusObjectManager),
	); err != nil {
		return fmt.Errorf("failed to match object manager signals: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(dbusPropertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return fmt.Errorf("failed to match property signals: %w", err)
	}

	signals := make(chan *dbus.Signal, 10)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	l.loadExistingPlayers(conn)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return fmt.Errorf("signal channel closed")
			}
			l.handleSignal(sig)
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

func (l *Listener) connect() (*dbus.Conn, error) {
	if l.bus == "session" {
		conn, err := dbus.ConnectSessionBus()
		if err != nil {
			return nil, fmt.Errorf("failed to connect to session bus: %w", err)
		}
		return conn, nil
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return conn, nil
}

// loadExistingPlayers picks up players that were already connected when the
// listener started.
func (l *Listener) loadExistingPlayers(conn *dbus.Conn) {
	obj := conn.Object(bluezService, "/")
	var result map[dbus.ObjectPath]map[string]map[string]dbus.Variant

	err := obj.Call(dbusObjectManager+".GetManagedObjects", 0).Store(&result)
	if err != nil {
		log.Printf("Failed to get managed objects: %v", err)
		return
	}

	for path, ifaces := range result {
		if props, ok := ifaces[playerIface]; ok {
			l.updatePlayer(path, props)
		}
	}
}

func (l *Listener) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case dbusObjectManager + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return
		}
		path, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok {
			return
		}
		ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return
		}
		if props, ok := ifaces[playerIface]; ok {
			l.updatePlayer(path, props)
		}
	case dbusObjectManager + ".InterfacesRemoved":
		if len(sig.Body) < 2 {
			return
		}
		path, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok || path != l.current {
			return
		}
		ifaces, ok := sig.Body[1].([]string)
		if !ok {
			return
		}
		for _, iface := range ifaces {
			if iface == playerIface {
				l.current = ""
				l.pipeline.Emit(source.RawEvent{
					Kind:   source.KindStatus,
					Fields: map[string]string{source.FieldStatus: "stopped"},
					At:     time.Now(),
				})
				return
			}
		}
	case dbusPropertiesIface + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return
		}
		iface, ok := sig.Body[0].(string)
		if !ok || iface != playerIface {
			return
		}
		props, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return
		}
		l.updatePlayer(sig.Path, props)
	}
}

// updatePlayer converts a player property set into pipeline events.
func (l *Listener) updatePlayer(path dbus.ObjectPath, props map[string]dbus.Variant) {
	if l.player != "" && !strings.Contains(string(path), l.player) {
		return
	}
	if l.current == "" {
		l.current = path
		log.Printf("Following media player %s", path)
	}
	if path != l.current {
		return
	}

	now := time.Now()

	if v, ok := props["Track"]; ok {
		if track, ok := v.Value().(map[string]dbus.Variant); ok {
			fields := map[string]string{
				source.FieldTitle:  getString(track, "Title"),
				source.FieldArtist: getString(track, "Artist"),
				source.FieldAlbum:  getString(track, "Album"),
			}
			if d, ok := getUint32(track, "Duration"); ok {
				fields[source.FieldDurationMs] = strconv.FormatUint(uint64(d), 10)
			}
			l.pipeline.Emit(source.RawEvent{Kind: source.KindTrack, Fields: fields, At: now})
		}
	}

	if v, ok := props["Status"]; ok {
		if s, ok := v.Value().(string); ok {
			l.pipeline.Emit(source.RawEvent{
				Kind:   source.KindStatus,
				Fields: map[string]string{source.FieldStatus: mapStatus(s)},
				At:     now,
			})
		}
	}

	if v, ok := props["Position"]; ok {
		if pos, ok := v.Value().(uint32); ok {
			l.pipeline.Emit(source.RawEvent{
				Kind: source.KindProgress,
				Fields: map[string]string{
					source.FieldPositionMs: strconv.FormatUint(uint64(pos), 10),
					// BlueZ reports Position on seeks as well as ticks.
					source.FieldSeek: "true",
				},
				At: now,
			})
		}
	}
}

// mapStatus converts the BlueZ player status vocabulary.
func mapStatus(s string) string {
	switch s {
	case "playing":
		return "playing"
	case "paused":
		return "paused"
	case "stopped", "error":
		return "stopped"
	case "forward-seek", "reverse-seek":
		return "playing"
	}
	return "stopped"
}

func getString(props map[string]dbus.Variant, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

func getUint32(props map[string]dbus.Variant, key string) (uint32, bool) {
	if v, ok := props[key]; ok {
		if n, ok := v.Value().(uint32); ok {
			return n, true
		}
	}
	return 0, false
}
