package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/multiroom/metacast/internal/config"
	"github.com/multiroom/metacast/internal/debugsrv"
	"github.com/multiroom/metacast/internal/publish"
	"github.com/multiroom/metacast/internal/source"
	"github.com/multiroom/metacast/internal/source/event"
	"github.com/multiroom/metacast/internal/source/mpris"
	"github.com/multiroom/metacast/internal/source/pipe"
	"github.com/multiroom/metacast/internal/source/poll"
	"github.com/multiroom/metacast/internal/state"
)

func main() {
	configPath := flag.String("config", "/etc/metacast/metacast.toml", "Path to the configuration file")
	flag.Parse()

	log.Println("Metacast")
	log.Println("========")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	infos := make([]state.SourceInfo, 0, len(cfg.Sources))
	streams := make(map[string]string, len(cfg.Sources))
	for name, src := range cfg.Sources {
		infos = append(infos, state.SourceInfo{SourceID: name, Priority: src.Priority})
		streams[name] = src.Stream
	}
	store := state.NewStore(infos, cfg.Arbitration.Grace.Std(), cfg.Arbitration.Freshness.Std())

	listeners := make([]source.Listener, 0, len(cfg.Sources))
	for name, src := range cfg.Sources {
		pl := source.NewPipeline(store, name)
		switch src.Kind {
		case config.KindPipe:
			listeners = append(listeners, pipe.New(pl, src.Path))
		case config.KindEvent:
			listeners = append(listeners, event.New(pl, src.Path))
		case config.KindPoll:
			listeners = append(listeners, poll.New(pl, src.URL, src.Interval.Std()))
		case config.KindMPRIS:
			listeners = append(listeners, mpris.New(pl, src.Bus, src.Player))
		}
		log.Printf("Configured source %s (%s) -> stream %s", name, src.Kind, src.Stream)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	var wg sync.WaitGroup

	for _, l := range listeners {
		wg.Add(1)
		go func(l source.Listener) {
			defer wg.Done()
			if err := l.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("Listener %s stopped: %v", l.SourceID(), err)
			}
		}(l)
	}

	publisher := publish.New(store, publish.Options{
		ControlURL:       cfg.Server.ControlURL,
		CoverArtDir:      cfg.Server.CoverArtDir,
		ResponseTimeout:  cfg.Server.ResponseTimeout.Std(),
		PositionInterval: cfg.Server.PositionInterval.Std(),
		StaleDrop:        cfg.Server.StaleDrop.Std(),
		ReconnectMax:     cfg.Server.ReconnectMax.Std(),
		Streams:          streams,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := publisher.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("Publisher stopped: %v", err)
		}
	}()

	server := debugsrv.NewServer(store, cfg.Debug.Listen)
	if err := server.Start(ctx); err != nil {
		if err != context.Canceled && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}

	wg.Wait()
	log.Println("Shutdown complete")
}
