// Command peerlobby runs a headless lobby client: it joins the lobby,
// answers pairings, and keeps the call transcript and roster available for
// whatever front end is attached.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/peerlobby/internal/bus"
	"github.com/petervdpas/peerlobby/internal/call"
	"github.com/petervdpas/peerlobby/internal/client"
	"github.com/petervdpas/peerlobby/internal/config"
	"github.com/petervdpas/peerlobby/internal/media"
)

var log = logging.Logger("main")

func main() {
	configPath := flag.String("config", "peerlobby.json", "path to the config file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	autoStart := flag.Bool("start", false, "request a pairing immediately after joining")
	flag.Parse()

	if err := run(*configPath, *logLevel, *autoStart); err != nil {
		fmt.Fprintln(os.Stderr, "peerlobby:", err)
		os.Exit(1)
	}
}

func run(configPath, logLevel string, autoStart bool) error {
	lvl, err := logging.LevelFromString(logLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logging.SetAllLoggers(lvl)

	cfg, created, err := config.Ensure(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if created {
		log.Infof("wrote default config to %s", configPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	provider, err := media.NewCaptureProvider()
	if err != nil {
		return fmt.Errorf("media: %w", err)
	}

	cl, err := buildClient(ctx, cfg, provider)
	if err != nil {
		return err
	}
	defer cl.Close()

	if !cfg.Media.Audio {
		_ = cl.SetAudioEnabled(false)
	}
	if !cfg.Media.Video {
		_ = cl.SetVideoEnabled(false)
	}

	if err := cl.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	log.Infof("client %s online", cl.ID())

	watcher, err := config.Watch(configPath, func(next config.Config) {
		if err := cl.UpdateICEConfig(call.ICEConfig{Servers: next.ICEServers()}); err != nil {
			log.Warnf("apply reloaded ice config: %v", err)
		}
	})
	if err != nil {
		log.Warnf("config watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	if autoStart {
		if err := cl.StartCall(); err != nil {
			log.Errorf("start call: %v", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("received %s, shutting down", sig)
	return nil
}

func buildClient(ctx context.Context, cfg config.Config, provider media.Provider) (*client.Client, error) {
	// The bus needs the client id for its private queues and auth token, so
	// settle the identity before dialing.
	clientID := cfg.Identity.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	var b bus.Bus
	var err error
	switch cfg.Bus.Driver {
	case config.DriverWebSocket:
		b, err = bus.DialWS(ctx, cfg.Bus.URL, clientID, []byte(cfg.Bus.JWTSecret))
	case config.DriverRedis:
		b, err = bus.DialRedis(ctx, cfg.Bus.Redis.Addr, cfg.Bus.Redis.Password, cfg.Bus.Redis.DB)
	case config.DriverMemory:
		b = bus.NewMemoryBus()
	default:
		err = fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("bus: %w", err)
	}

	return client.New(client.Options{
		Bus:               b,
		Provider:          provider,
		Factory:           call.NewPionFactory(provider),
		ICE:               call.ICEConfig{Servers: cfg.ICEServers()},
		ClientID:          clientID,
		MediaWait:         time.Duration(cfg.Timeouts.MediaWaitSec) * time.Second,
		DisconnectedGrace: time.Duration(cfg.Timeouts.DisconnectedGraceSec) * time.Second,
		NoticeTTL:         time.Duration(cfg.Timeouts.NoticeTTLSec) * time.Second,
	}), nil
}
