package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/peterouob/p2plobby/pkg/config"
	"github.com/peterouob/p2plobby/pkg/docstore"
	"github.com/peterouob/p2plobby/pkg/logging"
	"github.com/peterouob/p2plobby/pkg/p2p"
	"github.com/peterouob/p2plobby/pkg/signal"
	"github.com/peterouob/p2plobby/pkg/transport"
	wbc "github.com/peterouob/p2plobby/pkg/webrtc"
	"github.com/peterouob/p2plobby/pkg/websocket"
)

type flags struct {
	host          bool
	join          string
	name          string
	serveDocstore bool
}

func main() {
	var f flags
	flag.BoolVar(&f.host, "host", false, "create a lobby on start")
	flag.StringVar(&f.join, "join", "", "join the lobby with this code on start")
	flag.StringVar(&f.name, "name", "", "player name (random when empty)")
	flag.BoolVar(&f.serveDocstore, "serve-docstore", false, "serve an in-memory document store at /docstore and signal through it")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalln("[config] load err:", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.DevLog)
	if err != nil {
		log.Fatalln("[logging] init err:", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, f, logger); err != nil {
		logger.Fatal("exit", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, f flags, logger *zap.Logger) error {
	if f.host && f.join != "" {
		return errors.New("-host and -join are exclusive")
	}

	base := cfg.BaseURL()
	if f.serveDocstore {
		var err error
		if base, err = localBase(cfg.ListenAddr); err != nil {
			return err
		}
	}

	manager, err := wbc.NewManager(wbc.Options{STUNURL: cfg.STUNURL, Logger: logger})
	if err != nil {
		return fmt.Errorf("connection manager: %w", err)
	}
	store := signal.NewStore(base, &http.Client{Timeout: 10 * time.Second}, logger)
	poller := signal.NewPoller(store, manager, signal.Options{
		PollInterval:    cfg.PollInterval,
		NotFoundBackoff: cfg.NotFoundBackoff,
		Logger:          logger,
	})
	tr := transport.NewRTC(manager, poller, logger)

	reg, scoreboard, announce, err := newRegistry()
	if err != nil {
		return err
	}
	sess := p2p.NewSession[Player, Input, Spawn](tr, p2p.Options{
		Registry:     reg,
		PingInterval: cfg.PingInterval,
		Logger:       logger,
	})

	name := f.name
	if name == "" {
		name = "player-" + uuid.NewString()[:8]
	}
	sess.SetLocalPlayerData(Player{Name: name})

	switch {
	case f.host:
		if _, err := sess.CreateLobby(); err != nil {
			return err
		}
	case f.join != "":
		if err := sess.JoinLobby(f.join); err != nil {
			return err
		}
	}

	feed := websocket.NewFeed(logger)
	a := &app{
		sess:       sess,
		feed:       feed,
		scoreboard: scoreboard,
		announce:   announce,
		log:        logger.Named("app"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/ws", feed)
	if f.serveDocstore {
		r.Mount("/docstore", docstore.New(logger).Routes())
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           cors.Default().Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr), zap.String("signal", base))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.run(gctx, cfg.TickRate)
	})
	g.Go(func() error {
		<-gctx.Done()
		feed.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	poller.Close()
	return multierr.Append(err, manager.CloseAll())
}

// localBase is the document-store root when this process serves it.
func localBase(listen string) (string, error) {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("listen address %q: %w", listen, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/docstore", nil
}
