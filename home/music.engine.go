package home

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/leeineian/thienlam/proc"
	"github.com/leeineian/thienlam/sys"
)

var (
	musicEngine atomic.Pointer[proc.Engine]
	musicStore  proc.ProfileStore = sys.Profiles{}
)

const buffPurgeEvery = 10 * time.Minute

// Ready fires again after a gateway resume fails; the engine is built once.
var musicOnce sync.Once

func init() {
	sys.OnClientReady(func(ctx context.Context, client *bot.Client) {
		musicOnce.Do(func() { startMusic(ctx, client) })
	})
}

func startMusic(ctx context.Context, client *bot.Client) {
	cfg := sys.GlobalConfig

	table, err := sys.LoadRewards(cfg.RewardsPath)
	if err != nil {
		sys.LogWarn(sys.MsgConfigRewardsFail, err)
		table = sys.DefaultRewards()
	}
	sys.LogReward(sys.MsgRewardTableLoaded, len(table.Items), len(table.Ranks))

	cache := proc.NewCache(cfg.CacheDir, cfg.CacheKeep, cfg.AcquireTimeout, &proc.YtdlpAcquirer{
		Proxy:  cfg.YoutubeProxy,
		Verify: true,
	})
	start := time.Now()
	if n, err := cache.Scan(); err != nil {
		sys.LogWarn(sys.MsgCacheScanFail, err)
	} else {
		sys.LogCache(sys.MsgCacheScanned, n, time.Since(start).Round(time.Millisecond))
	}

	search := proc.NewSearchResolver(cfg.YoutubeProxy)
	engine := proc.NewEngine(ctx, proc.Options{
		Cache:           cache,
		Searcher:        search,
		Connector:       &proc.DiscordConnector{Client: client},
		Surface:         proc.DiscordSurface{Client: client},
		Store:           musicStore,
		Rewards:         proc.NewRewards(table),
		DisplayInterval: cfg.DisplayInterval,
	})
	musicEngine.Store(engine)
	sys.LogVoice(sys.MsgVoiceEphemeral)

	sys.RegisterDaemon(sys.LogDisplay, func(ctx context.Context) (bool, func(), func()) {
		return true, func() { engine.RunDisplay(ctx) }, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()
			engine.Shutdown(shutdownCtx)
		}
	})
	sys.RegisterDaemon(sys.LogDisplay, func(ctx context.Context) (bool, func(), func()) {
		return true, func() { proc.NewStatusRotator(client, engine).Run(ctx) }, nil
	})
	sys.RegisterDaemon(sys.LogCache, func(ctx context.Context) (bool, func(), func()) {
		return cfg.CacheSweepInterval > 0, func() { cache.RunSweeper(ctx, cfg.CacheSweepInterval) }, nil
	})
	sys.RegisterDaemon(sys.LogSearch, func(ctx context.Context) (bool, func(), func()) {
		return true, func() { search.RunJanitor(ctx) }, nil
	})
	sys.RegisterDaemon(sys.LogDatabase, func(ctx context.Context) (bool, func(), func()) {
		return true, func() { runBuffPurge(ctx, buffPurgeEvery) }, nil
	})
}

// runBuffPurge deletes expired buff rows on every tick until ctx ends.
func runBuffPurge(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sys.PurgeExpiredBuffs(ctx)
			if err != nil {
				sys.LogWarn(sys.MsgDatabasePurgeFail, err)
				continue
			}
			if n > 0 {
				sys.LogDatabase(sys.MsgDatabasePurged, n)
			}
		}
	}
}
