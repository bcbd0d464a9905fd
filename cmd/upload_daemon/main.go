// upload_daemon drains one platform's upload queue during business hours.
// Each calendar day it first spreads the pending entries across the upload
// window, then claims and uploads due entries in priority order.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"cross-lister/internal/accounts"
	"cross-lister/internal/daemon"
	"cross-lister/internal/keywords"
	"cross-lister/internal/logging"
	"cross-lister/internal/notify"
	"cross-lister/internal/platform"
	"cross-lister/internal/ratelimit"
	"cross-lister/internal/store"
	"cross-lister/internal/uploader"

	_ "cross-lister/internal/platform/base"
	_ "cross-lister/internal/platform/ebay"
)

func main() {
	platformName := flag.String("platform", "", "platform queue to process (required)")
	interval := flag.Int("interval", 60, "seconds between passes (0 runs one pass and exits)")
	batchSize := flag.Int("batch-size", uploader.DefaultClaimBatch, "due entries claimed per pass")
	startHour := flag.Int("start-hour", uploader.DefaultStartHour, "first upload hour (inclusive)")
	endHour := flag.Int("end-hour", uploader.DefaultEndHour, "last upload hour (exclusive)")
	dataDir := flag.String("data-dir", "data", "database and token directory")
	configDir := flag.String("config-dir", "config", "accounts/notifications/keyword config directory")
	logDir := flag.String("log-dir", "logs", "log and lock file directory")
	logLevel := flag.String("log-level", "info", "minimum log level")
	flag.Parse()

	if *platformName == "" {
		os.Stderr.WriteString("upload_daemon: --platform is required\n")
		flag.Usage()
		os.Exit(1)
	}
	daemonName := "upload_daemon_" + *platformName

	log, err := logging.New(daemonName, *logDir, *logLevel)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	mgr, err := accounts.Load(*configDir, log.Named("accounts"))
	if err != nil {
		log.Fatal("account config", zap.Error(err))
	}
	filter, err := keywords.Load(filepath.Join(*configDir, "ng_keywords.json"))
	if err != nil {
		log.Fatal("keyword config", zap.Error(err))
	}
	st, err := store.Open(filepath.Join(*dataDir, "cross-lister.db"), filter, log.Named("store"))
	if err != nil {
		log.Fatal("store", zap.Error(err))
	}
	defer st.Close()

	notifyCfg, err := notify.Load(filepath.Join(*configDir, "notifications.json"))
	if err != nil {
		log.Fatal("notification config", zap.Error(err))
	}
	notifier := notify.New(notifyCfg, log.Named("notify"))

	limiter := ratelimit.New(nil)
	adapters := make(map[string]platform.Adapter)
	for _, acct := range mgr.ActiveAccounts(*platformName) {
		adapter, err := platform.New(*platformName, platform.Options{
			AccountID: acct.ID,
			Accounts:  mgr,
			Limiter:   limiter,
			DataDir:   *dataDir,
			Log:       log.Named(*platformName).With(zap.String("account", acct.ID)),
		})
		if err != nil {
			log.Fatal("platform adapter", zap.String("account", acct.ID), zap.Error(err))
		}
		adapters[acct.ID] = adapter
	}
	if len(adapters) == 0 {
		log.Fatal("no active accounts", zap.String("platform", *platformName))
	}

	worker := uploader.New(st, *platformName, adapters, log.Named("uploader"))
	worker.StartHour = *startHour
	worker.EndHour = *endHour
	worker.ClaimBatch = *batchSize

	scheduler := uploader.NewScheduler(st, *platformName, mgr, log.Named("scheduler"))
	scheduler.StartHour = *startHour
	scheduler.EndHour = *endHour

	var lastSpread string
	task := func(ctx context.Context) error {
		// Spread the day's pending entries once per calendar day.
		if today := time.Now().Format("2006-01-02"); today != lastSpread {
			n, err := scheduler.Spread(time.Now())
			if err != nil {
				log.Warn("spread failed", zap.Error(err))
			} else {
				if n > 0 {
					log.Info("pending uploads scheduled", zap.Int("entries", n))
				}
				lastSpread = today
			}
		}

		stats, err := worker.RunOnce(ctx)
		if err != nil {
			return err
		}
		if stats.Claimed > 0 {
			log.Info("upload pass complete",
				zap.Int("claimed", stats.Claimed),
				zap.Int("succeeded", stats.Succeeded),
				zap.Int("failed", stats.Failed))
		}
		if stats.Failed > 0 {
			notifier.Notify(ctx, "task_failure", *platformName+" uploads failed",
				fmt.Sprintf("%d of %d uploads failed", stats.Failed, stats.Claimed), notify.LevelWarning)
		}
		return nil
	}

	err = daemon.Run(daemon.Config{
		Name:     daemonName,
		LockDir:  *logDir,
		Interval: time.Duration(*interval) * time.Second,
		Notifier: notifier,
		Log:      log,
	}, task)
	if err != nil {
		log.Error("exiting with errors", zap.Error(err))
		os.Exit(1)
	}
}
