package main

import (
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"servicechat/config"
	"servicechat/internal/adapters/chatapi"
	"servicechat/internal/adapters/realtime"
	"servicechat/internal/db"
	"servicechat/internal/delivery"
	"servicechat/internal/httpapi"
	"servicechat/internal/services"
)

// app holds the wired chat core for one CLI invocation.
type app struct {
	cfg        *config.Config
	api        *chatapi.Client
	transport  *realtime.Client
	directory  *services.DirectoryService
	catalog    *services.CatalogService
	session    *services.Session
	deliveries *delivery.Manager
	closers    []func()
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	api, err := chatapi.NewClient(cfg.APIBaseURL, cfg.AuthToken, cfg.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chat API client: %w", err)
	}
	a.api = api

	transport, err := realtime.NewClient(realtime.Options{
		URL:                  cfg.WSURL,
		Token:                cfg.AuthToken,
		ConnectTimeout:       cfg.ConnectTimeout,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		SubscribeReceipts:    cfg.SubscribeReceipts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize push transport: %w", err)
	}
	a.transport = transport

	if a.directory, err = services.NewDirectoryService(api); err != nil {
		return nil, err
	}
	history, err := services.NewHistoryService(api, cfg.PageSize)
	if err != nil {
		return nil, err
	}
	if a.catalog, err = services.NewCatalogService(api, cfg.CatalogTTL); err != nil {
		return nil, err
	}

	sessionCfg := services.SessionConfig{
		Identity:  cfg.Identity,
		API:       api,
		Transport: transport,
		Directory: a.directory,
		History:   history,
		Catalog:   a.catalog,
	}

	if cfg.DatabaseURL != "" {
		journal, err := db.OpenJournal(cfg.DatabaseURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := journal.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close failed-send journal")
			}
		})
		sessionCfg.Journal = journal
	}

	sinks, err := a.openSinks()
	if err != nil {
		a.Close()
		return nil, err
	}
	if len(sinks) > 0 {
		manager, err := delivery.NewManager(sinks)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.deliveries = manager
		a.closers = append([]func(){manager.Close}, a.closers...)
		sessionCfg.Mirror = manager
	}

	session, err := services.NewSession(sessionCfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.session = session
	a.closers = append([]func(){session.Close}, a.closers...)

	log.Info().
		Int64("userID", cfg.Identity.ID).
		Str("role", cfg.Identity.Role).
		Bool("journal", sessionCfg.Journal != nil).
		Int("sinks", len(sinks)).
		Msg("Chat core initialized")
	return a, nil
}

func (a *app) openSinks() ([]delivery.Sink, error) {
	var sinks []delivery.Sink

	if a.cfg.WebhookURL != "" {
		webhook, err := delivery.NewWebhookSink(a.cfg.WebhookURL, a.cfg.RequestTimeout)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, webhook)
	}

	if a.cfg.RabbitMQURL != "" {
		rabbit, err := delivery.NewRabbitSink(a.cfg.RabbitMQURL, a.cfg.RabbitMQQueue)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := rabbit.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close RabbitMQ sink")
			}
		})
		sinks = append(sinks, rabbit)
	}

	if a.cfg.NATSURL != "" {
		natsSink, err := delivery.NewNATSSink(a.cfg.NATSURL, a.cfg.NATSSubjectPrefix)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := natsSink.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to drain NATS sink")
			}
		})
		sinks = append(sinks, natsSink)
	}
	return sinks, nil
}

// statusHandler returns the local status surface of the session.
func (a *app) statusHandler() (http.Handler, error) {
	if a.deliveries == nil {
		return httpapi.NewHandler(a.session, nil)
	}
	return httpapi.NewHandler(a.session, a.deliveries)
}

// Close releases everything newApp opened, session first.
func (a *app) Close() {
	for _, c := range a.closers {
		c()
	}
	a.closers = nil
}
