// Command vox-server runs the voice-chat relay: the TCP control plane, the
// UDP voice plane, and an optional HTTP status API.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"

	"vox/internal/relay"
	"vox/internal/relay/store"
)

// envOr returns the environment variable's value or a fallback.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	addr := flag.String("addr", ":"+envOr("MANAGEMENT_PORT", "9001"), "control listen address (TCP)")
	voiceAddr := flag.String("voice-addr", ":"+envOr("VOICE_RELAY_PORT", "9002"), "voice listen address (UDP)")
	apiAddr := flag.String("api-addr", "", "HTTP status API listen address (empty to disable)")
	dbPath := flag.String("db", "vox.db", "SQLite settings database path")
	metricsInterval := flag.Duration("metrics-interval", 5*time.Second, "stats log interval")
	flag.Parse()

	st, err := store.New(*dbPath)
	if err != nil {
		log.Fatalf("[store] %v", err)
	}
	defer st.Close()
	seedDefaults(st)

	room := relay.NewRoom()
	events := make(chan relay.Event, 256)

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("[server] listen control: %v", err)
	}
	pc, err := net.ListenPacket("udp", *voiceAddr)
	if err != nil {
		log.Fatalf("[voice] listen voice: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on interrupt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[server] shutting down...")
		cancel()
	}()

	control := relay.NewControlServer(room, events)
	voice := relay.NewVoiceServer(pc)

	go relay.RunMetrics(ctx, room, voice, *metricsInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return control.Run(gctx, ln) })
	g.Go(func() error { return voice.Run(gctx, events) })
	if *apiAddr != "" {
		api := relay.NewAPIServer(room, st)
		g.Go(func() error { return api.Run(gctx, *apiAddr) })
		log.Printf("[api] listening on %s", *apiAddr)
	}

	if err := g.Wait(); err != nil {
		log.Fatalf("[server] %v", err)
	}
}

// seedDefaults writes factory-default settings when they have not been
// created yet (first-run initialisation).
func seedDefaults(st *store.Store) {
	defaults := [][2]string{
		{"server_name", "vox relay"},
	}
	for _, kv := range defaults {
		if _, ok, err := st.GetSetting(kv[0]); err == nil && !ok {
			if err := st.SetSetting(kv[0], kv[1]); err != nil {
				log.Printf("[store] seed %q: %v", kv[0], err)
			}
		}
	}
}
