package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/harmonix-chat/voice/internal/adapters/http"
	"github.com/harmonix-chat/voice/internal/app"
	"github.com/harmonix-chat/voice/internal/config"
	"github.com/harmonix-chat/voice/internal/core"
	"github.com/harmonix-chat/voice/internal/domain"
	"github.com/harmonix-chat/voice/internal/orch"
	"github.com/harmonix-chat/voice/internal/rtc"
	"github.com/harmonix-chat/voice/internal/sfu"
	sig "github.com/harmonix-chat/voice/internal/signal"
	"github.com/harmonix-chat/voice/internal/udprelay"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	relay, err := udprelay.NewRelay(cfg.UDPBind, cfg.UDPPort, udprelay.NewTable())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to bind udp relay")
	}
	go func() {
		if err := relay.Serve(ctx); err != nil {
			log.Error().Err(err).Msg("udp relay stopped")
		}
	}()

	delegate := sfu.NewDelegate(ctx, cfg.WorkerCount, cfg.PublicIP, cfg.ConnectTimeout,
		func(user domain.UserID) (core.MediaTransport, error) {
			return rtc.NewTransport(rtc.DefaultConfig(), core.SessionID(user))
		})
	defer delegate.Close()

	orchestrator := orch.NewOrchestrator(cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	go orchestrator.Sweep(ctx)

	directory := app.NewMemoryDirectory()
	registry := app.NewRegistry()

	ctl := sig.NewController(cfg, registry, delegate, orchestrator, relay, directory)
	agents := orch.NewController(orchestrator, orch.SFUConfig{
		PublicIP:       cfg.PublicIP,
		WorkerCount:    cfg.WorkerCount,
		ConnectTimeout: int(cfg.ConnectTimeout.Milliseconds()),
	})

	r := router.SetupRouter(ctx, cfg, ctl, agents, delegate)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Int("udp_port", relay.Port()).Msg("voice server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	relay.Close()
	log.Info().Msg("server exited gracefully")
}
