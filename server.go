// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/zenazn/goji"
	"github.com/zenazn/goji/graceful"

	"github.com/10thfloor/dropcoord/coordinator"
	"github.com/10thfloor/dropcoord/kvstore"
	"github.com/10thfloor/dropcoord/notify"
	"github.com/10thfloor/dropcoord/queue"
	"github.com/10thfloor/dropcoord/signal"
	"github.com/10thfloor/dropcoord/userstate"
)

var cfg *config

func main() {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	loadedCfg, _, err := loadConfig()
	if err != nil {
		os.Exit(1)
	}
	cfg = loadedCfg
	defer logRotator.Close()
	mainLog.Infof("Version: %s", version())

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		mainLog.Errorf("Failed to create the data directory: %v", err)
		os.Exit(1)
	}
	store, err := kvstore.Open(filepath.Join(cfg.DataDir, defaultDBFilename))
	if err != nil {
		mainLog.Errorf("Failed to open the store: %v", err)
		os.Exit(1)
	}

	hub := notify.NewHub()

	coord := coordinator.New(store, coordinator.Config{
		TokenKey:    cfg.tokenKey,
		MaxRollover: cfg.MaxRollover,
		Loyalty: userstate.LoyaltyConfig{
			SilverAt:   cfg.LoyaltySilverAt,
			GoldAt:     cfg.LoyaltyGoldAt,
			SilverMult: cfg.LoyaltySilverMult,
			GoldMult:   cfg.LoyaltyGoldMult,
		},
		Queue: queue.Config{
			IssueRate:         cfg.QueueIssueRate,
			ReadyCap:          cfg.QueueReadyCap,
			PerFingerprintCap: cfg.PerFingerprintCap,
			PerIPCap:          cfg.PerIPCap,
			TokenTTL:          cfg.QueueTokenTTL,
			ReadyTTL:          cfg.QueueReadyTTL,
		},
		Publisher: hub,
	})

	if cfg.SMTPHost != "" {
		sender, err := notify.NewSender(cfg.SMTPHost, cfg.SMTPUsername,
			cfg.SMTPPassword, cfg.SMTPFrom, cfg.UseSMTPS)
		if err != nil {
			mainLog.Errorf("Failed to initialize the smtp server: %v", err)
			store.Close()
			os.Exit(1)
		}
		coord.Participants.UseMailer(&sender)
	}

	if err := coord.Start(); err != nil {
		mainLog.Errorf("Failed to start the coordinator: %v", err)
		store.Close()
		os.Exit(1)
	}

	newAPI(cfg, coord, hub).registerRoutes()

	// An interrupt drains the HTTP server first, then the post hook
	// stops the timer and admission loops before the store closes.
	ctx := signal.WithShutdownCancel(context.Background())
	go signal.ShutdownListener()
	go func() {
		<-ctx.Done()
		graceful.Shutdown()
	}()

	graceful.PostHook(func() {
		coord.Stop()
		if err := store.Close(); err != nil {
			mainLog.Errorf("Failed to close the store: %v", err)
		}
	})

	mainLog.Infof("Listening on %s", cfg.Listen)
	goji.DefaultMux.Compile()
	if err := graceful.ListenAndServe(cfg.Listen, goji.DefaultMux); err != nil {
		mainLog.Errorf("Server error: %v", err)
	}
	graceful.Wait()
}
