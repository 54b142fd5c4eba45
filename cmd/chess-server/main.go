package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kapu/chessmentor-go/internal/archive"
	appcfg "github.com/kapu/chessmentor-go/internal/config"
	"github.com/kapu/chessmentor-go/internal/match"
	"github.com/kapu/chessmentor-go/internal/obslog"
	"github.com/kapu/chessmentor-go/internal/oracle"
	"github.com/kapu/chessmentor-go/internal/player"
	"github.com/kapu/chessmentor-go/internal/registry"
	"github.com/kapu/chessmentor-go/internal/session"
	"github.com/kapu/chessmentor-go/internal/transport/ops"
	"github.com/kapu/chessmentor-go/internal/transport/ws"
)

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}

	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	orc, err := oracle.New(cfg.StockfishPath)
	if err != nil {
		log.Fatalf("engine init error: %v", err)
	}
	defer orc.Close()

	arch, err := archive.New(cfg.RedisURL, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("archive init error: %v", err)
	}
	defer arch.Close()

	reg := registry.New()
	dir := player.NewDirectory()
	hub := ws.NewHub(reg, dir, arch, cfg.DefaultRating)

	sessions := session.NewManager(session.Config{
		DisconnectGrace:   cfg.DisconnectGrace,
		FinishedRetention: cfg.FinishedRetention,
		MaxConcurrent:     cfg.MaxConcurrentSessions,
		DefaultPreset:     cfg.DefaultPreset,
	}, hub, orc, dir, arch)

	mm := match.New(match.Config{
		RatingWindow: cfg.MatchRatingWindow,
		WaitTimeout:  cfg.MatchWaitTimeout,
	}, match.Callbacks{
		OnMatch:   hub.OnMatch,
		OnTimeout: hub.OnTimeout,
		OnEngine:  hub.OnEngine,
	})

	hub.Bind(mm, sessions)
	reg.OnDisconnect(hub.OnDisconnect)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sessions.Run(rootCtx, cfg.SweepInterval)
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				mm.SweepStale(2 * cfg.MatchWaitTimeout)
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.NewServer(reg, hub))
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		obslog.L().Info("websocket listener starting", zap.String("addr", cfg.ListenAddr()))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("websocket listener error: %v", err)
		}
	}()

	opsSrv := ops.NewServer(serverStats{sessions: sessions, dir: dir, mm: mm})
	go func() {
		if err := opsSrv.ListenAndServe(cfg.OpsListenAddr()); err != nil {
			log.Fatalf("ops listener error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	obslog.L().Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

// serverStats adapts the live components to the ops listener's view.
type serverStats struct {
	sessions *session.Manager
	dir      *player.Directory
	mm       *match.Matchmaker
}

func (s serverStats) ActiveSessions() int      { return s.sessions.ActiveCount() }
func (s serverStats) ConnectedPlayers() int    { return s.dir.Count() }
func (s serverStats) PlayersInQueue() int      { return s.mm.Depth() }
func (s serverStats) Games() []session.Summary { return s.sessions.Snapshot() }
