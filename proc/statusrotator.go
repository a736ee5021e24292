package proc

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/gateway"
	"github.com/leeineian/thienlam/sys"
)

const configKeyStatus = "status_visible"

func rotationInterval(r *rand.Rand) time.Duration {
	return time.Duration(15+r.IntN(46)) * time.Second
}

// StatusRotator cycles the bot's listening activity through short music stats.
type StatusRotator struct {
	client  *bot.Client
	engine  *Engine
	started time.Time
	rng     *rand.Rand
	last    string
}

func NewStatusRotator(client *bot.Client, engine *Engine) *StatusRotator {
	return &StatusRotator{
		client:  client,
		engine:  engine,
		started: time.Now(),
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
}

func (r *StatusRotator) Run(ctx context.Context) {
	for {
		next := rotationInterval(r.rng)
		r.update(ctx, next)
		select {
		case <-time.After(next):
		case <-ctx.Done():
			return
		}
	}
}

func (r *StatusRotator) update(ctx context.Context, next time.Duration) {
	visible, err := sys.GetBotConfig(ctx, configKeyStatus)
	if err != nil || visible == "false" {
		_ = r.client.SetPresence(ctx, gateway.WithOnlineStatus(discord.OnlineStatusOnline))
		return
	}

	var options []string
	for _, text := range []string{
		sessionsStatus(r.engine.Sessions()),
		cacheStatus(r.engine.Cache()),
		uptimeStatus(time.Since(r.started)),
		latencyStatus(r.client.Gateway.Latency()),
	} {
		if text != "" {
			options = append(options, text)
		}
	}
	selected := pickStatus(options, r.last, r.rng)
	r.last = selected

	err = r.client.SetPresence(ctx,
		gateway.WithOnlineStatus(discord.OnlineStatusOnline),
		gateway.WithListeningActivity(selected),
	)
	if err != nil {
		sys.LogDisplay(sys.MsgStatusUpdateFail, err)
		return
	}
	sys.LogDebug(sys.MsgStatusRotated, selected, next)
}

// pickStatus picks a random option other than the last one shown, unless
// nothing else is available.
func pickStatus(options []string, last string, r *rand.Rand) string {
	var fresh []string
	for _, s := range options {
		if s != last {
			fresh = append(fresh, s)
		}
	}
	switch {
	case len(fresh) > 0:
		return fresh[r.IntN(len(fresh))]
	case len(options) > 0:
		return options[0]
	default:
		return "Tiên Nhạc"
	}
}

// Generators

func sessionsStatus(n int) string {
	switch n {
	case 0:
		return ""
	case 1:
		return "music in 1 server"
	default:
		return fmt.Sprintf("music in %d servers", n)
	}
}

func cacheStatus(c *Cache) string {
	if c == nil {
		return ""
	}
	st := c.Stats()
	if st.Entries == 0 {
		return ""
	}
	return fmt.Sprintf("%d cached tracks", st.Entries)
}

func uptimeStatus(d time.Duration) string {
	return fmt.Sprintf("Uptime: %dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func latencyStatus(ping time.Duration) string {
	if ping == 0 {
		return ""
	}
	return fmt.Sprintf("Ping: %dms", ping.Milliseconds())
}
