// sync_inventory_daemon keeps the canonical store aligned with Amazon
// (Phase 1) and pushes price/stock/visibility corrections to the selling
// platforms (Phase 2).
package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"cross-lister/internal/accounts"
	"cross-lister/internal/cache"
	"cross-lister/internal/daemon"
	"cross-lister/internal/keywords"
	"cross-lister/internal/logging"
	"cross-lister/internal/notify"
	"cross-lister/internal/platform"
	"cross-lister/internal/ratelimit"
	"cross-lister/internal/reconcile"
	"cross-lister/internal/spapi"
	"cross-lister/internal/store"
	syncengine "cross-lister/internal/sync"

	_ "cross-lister/internal/platform/base"
	_ "cross-lister/internal/platform/ebay"
)

const daemonName = "sync_inventory_daemon"

func main() {
	interval := flag.Int("interval", 0, "seconds between cycles (0 runs one cycle and exits)")
	platforms := flag.String("platforms", "base", "comma-separated platforms to reconcile")
	dryRun := flag.Bool("dry-run", false, "log intended writes without performing them")
	skipCache := flag.Bool("skip-cache-update", false, "do not refresh the per-ASIN cache")
	stockOnly := flag.Bool("stock-check-only", false, "skip price updates, reconcile visibility only")
	maxItems := flag.Int("max-items", 0, "limit Phase 1 to the first N active ASINs (0 = all)")
	hideOOS := flag.Bool("hide-out-of-stock", false, "run the targeted hide job once and exit")
	hideASINs := flag.String("asins", "", "comma-separated ASINs for --hide-out-of-stock (empty derives from canonical state)")
	dataDir := flag.String("data-dir", "data", "database, cache and token directory")
	configDir := flag.String("config-dir", "config", "accounts/notifications/keyword config directory")
	logDir := flag.String("log-dir", "logs", "log and lock file directory")
	logLevel := flag.String("log-level", "info", "minimum log level")
	flag.Parse()

	log, err := logging.New(daemonName, *logDir, *logLevel)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	v := settings(*configDir)
	creds := spapi.Credentials{
		RefreshToken: v.GetString("refresh_token"),
		ClientID:     v.GetString("lwa_app_id"),
		ClientSecret: v.GetString("lwa_client_secret"),
	}
	if creds.RefreshToken == "" || creds.ClientID == "" || creds.ClientSecret == "" {
		log.Fatal("missing Amazon credentials: set REFRESH_TOKEN, LWA_APP_ID and LWA_CLIENT_SECRET")
	}

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

	asinCache, err := cache.Open(filepath.Join(*dataDir, "cache"), 0, log.Named("cache"))
	if err != nil {
		log.Fatal("cache", zap.Error(err))
	}

	notifyCfg, err := notify.Load(filepath.Join(*configDir, "notifications.json"))
	if err != nil {
		log.Fatal("notification config", zap.Error(err))
	}
	notifier := notify.New(notifyCfg, log.Named("notify"))

	limiter := ratelimit.New(rateOverrides(v))
	amazon := spapi.New(spapi.Config{
		Credentials: creds,
		DebugASIN:   v.GetString("debug_asin"),
	}, limiter, log.Named("spapi"), func() {
		notifier.Notify(context.Background(), "quota_exceeded",
			"SP-API quota exceeded", "first QuotaExceeded of this process", notify.LevelWarning)
	})

	targets, err := buildTargets(splitList(*platforms), mgr, limiter, *dataDir, v, log)
	if err != nil {
		log.Fatal("platform adapters", zap.Error(err))
	}
	if len(targets) == 0 {
		log.Fatal("no active accounts for any requested platform", zap.String("platforms", *platforms))
	}

	engine := syncengine.New(st, amazon, targets, asinCache, notifier, log.Named("sync"))

	if *hideOOS {
		ctx := context.Background()
		var hidden int
		if asins := splitList(*hideASINs); len(asins) > 0 {
			hidden, err = engine.HideOutOfStockASINs(ctx, asins)
		} else {
			hidden, err = engine.HideOutOfStock(ctx)
		}
		if err != nil {
			log.Error("hide out-of-stock", zap.Int("hidden", hidden), zap.Error(err))
			os.Exit(1)
		}
		log.Info("hide out-of-stock complete", zap.Int("hidden", hidden))
		return
	}

	opts := syncengine.Options{
		DryRun:          *dryRun,
		StockCheckOnly:  *stockOnly,
		SkipCacheUpdate: *skipCache,
		MaxItems:        *maxItems,
	}

	err = daemon.Run(daemon.Config{
		Name:     daemonName,
		LockDir:  *logDir,
		Interval: time.Duration(*interval) * time.Second,
		Notifier: notifier,
		Log:      log,
	}, func(ctx context.Context) error {
		_, err := engine.Run(ctx, opts)
		return err
	})
	if err != nil {
		log.Error("exiting with errors", zap.Error(err))
		os.Exit(1)
	}
}

// settings binds the engine configuration: an optional engine.json in the
// config dir, overridden by environment variables. The SP_API_-prefixed
// credential names are legacy aliases still honored on old installs.
func settings(configDir string) *viper.Viper {
	v := viper.New()
	v.SetConfigName("engine")
	v.SetConfigType("json")
	v.AddConfigPath(configDir)
	_ = v.ReadInConfig() // the file is optional

	v.BindEnv("refresh_token", "REFRESH_TOKEN", "SP_API_REFRESH_TOKEN")
	v.BindEnv("lwa_app_id", "LWA_APP_ID", "SP_API_LWA_APP_ID")
	v.BindEnv("lwa_client_secret", "LWA_CLIENT_SECRET", "SP_API_LWA_CLIENT_SECRET")
	v.BindEnv("catalog_interval", "SP_API_CATALOG_INTERVAL")
	v.BindEnv("batch_interval", "SP_API_BATCH_INTERVAL")
	v.BindEnv("debug_asin", "DEBUG_ASIN")

	v.SetDefault("base_markup", 1.3)
	v.SetDefault("ebay_markup", 1.35)
	v.SetDefault("jpy_per_usd", 150.0)
	return v
}

// rateOverrides turns the optional interval settings (seconds, fractional
// allowed) into limiter overrides.
func rateOverrides(v *viper.Viper) map[ratelimit.Class]time.Duration {
	overrides := make(map[ratelimit.Class]time.Duration)
	if s := v.GetFloat64("catalog_interval"); s > 0 {
		overrides[ratelimit.AmazonCatalog] = time.Duration(s * float64(time.Second))
	}
	if s := v.GetFloat64("batch_interval"); s > 0 {
		overrides[ratelimit.AmazonOffersBatch] = time.Duration(s * float64(time.Second))
	}
	return overrides
}

// buildTargets constructs one reconciliation target per requested platform.
// Phase 2 runs one worker per platform, so a platform with several active
// accounts reconciles through the first one.
func buildTargets(names []string, mgr *accounts.Manager, limiter *ratelimit.Limiter,
	dataDir string, v *viper.Viper, log *zap.Logger) ([]syncengine.Target, error) {

	var targets []syncengine.Target
	for _, name := range names {
		accts := mgr.ActiveAccounts(name)
		if len(accts) == 0 {
			log.Warn("no active accounts, platform skipped", zap.String("platform", name))
			continue
		}
		if len(accts) > 1 {
			log.Warn("multiple active accounts, reconciling through the first",
				zap.String("platform", name), zap.String("account", accts[0].ID))
		}
		adapter, err := platform.New(name, platform.Options{
			AccountID: accts[0].ID,
			Accounts:  mgr,
			Limiter:   limiter,
			DataDir:   dataDir,
			Log:       log.Named(name),
		})
		if err != nil {
			return nil, err
		}
		targets = append(targets, syncengine.Target{
			Name:    name,
			Adapter: adapter,
			Pricing: pricingFor(name, v),
		})
	}
	return targets, nil
}

func pricingFor(name string, v *viper.Viper) reconcile.Pricing {
	if name == "ebay" {
		return reconcile.Pricing{
			Markup:    v.GetFloat64("ebay_markup"),
			Currency:  "USD",
			JPYPerUSD: v.GetFloat64("jpy_per_usd"),
		}
	}
	return reconcile.Pricing{Markup: v.GetFloat64("base_markup"), Currency: "JPY"}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
