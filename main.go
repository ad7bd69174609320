package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/ekkle/salesos/agent/market"
	"github.com/ekkle/salesos/agent/memory"
	"github.com/ekkle/salesos/agent/prompt"
	"github.com/ekkle/salesos/agent/router"
	configx "github.com/ekkle/salesos/pkg/config"
	"github.com/ekkle/salesos/pkg/evolution"
	"github.com/ekkle/salesos/pkg/kimi"
	_ "github.com/ekkle/salesos/pkg/logger/autoload"
	"github.com/ekkle/salesos/queue"
	"github.com/ekkle/salesos/store"
	"github.com/ekkle/salesos/webhook"
	"github.com/ekkle/salesos/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.MustNewPostgres(*configx.MustNew[store.Config]("DATABASE"))
	defer st.Close()
	if err := st.CreateSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}

	jobStore := queue.NewPostgresJobStore(st.DB())
	if err := jobStore.CreateSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("queue schema migration failed")
	}

	kimiClient := kimi.MustNew(*configx.MustNew[kimi.Config]("KIMI"))
	evo := evolution.MustNew(*configx.MustNew[evolution.Config]("EVOLUTION"))
	if connected, err := evo.ConnectionState(ctx); err != nil {
		log.Warn().Err(err).Msg("evolution connection check failed")
	} else if !connected {
		log.Warn().Msg("evolution instance is not connected to whatsapp")
	}

	prompts := prompt.MustNew()
	mem := memory.NewBuilder(st, kimiClient, prompts, *configx.MustNew[memory.Config]("MEMORY"))
	analyzer := market.NewService(st, *configx.MustNew[market.Config]("MARKET"))
	agentRouter := router.New(kimiClient, st, mem, analyzer, prompts, *configx.MustNew[router.Config]("AGENT"))

	pipeline := worker.New(st, agentRouter, evo)

	dispatcher := queue.NewDispatcher(jobStore, pipeline.Handle, *configx.MustNew[queue.Config]("QUEUE"))
	dispatcher.Start(ctx)

	webCfg := configx.MustNew[webhook.Config]("WEBHOOK")
	server := webhook.NewServer(*webCfg, jobStore, st)

	log.Info().Int("port", webCfg.Port).Msg("salesos starting")
	if err := server.Run(ctx, fmt.Sprintf(":%d", webCfg.Port)); err != nil {
		log.Error().Err(err).Msg("http server failed")
	}

	// Let in-flight jobs finish before exiting.
	dispatcher.Stop()
	log.Info().Msg("shutdown complete")
}
