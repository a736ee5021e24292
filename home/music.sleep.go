package home

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/leeineian/thienlam/proc"
	"github.com/leeineian/thienlam/sys"
	"github.com/sho0pi/naturaltime"
)

type dateParser interface {
	ParseDate(text string, now time.Time) (*time.Time, error)
}

// The parser boots a JS runtime, so it is only built on first use.
var sleepParser = sync.OnceValue(func() dateParser {
	p, err := naturaltime.New()
	if err != nil {
		sys.LogWarn(sys.MsgMusicParserFail, err)
		return nil
	}
	return p
})

var errSleepUnparsed = errors.New("unrecognized time")

// parseSleep reads "in 30 minutes", "23:30" and the like, falling back to Go
// durations such as "1h15m".
func parseSleep(p dateParser, text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, errSleepUnparsed
	}
	if p != nil {
		if at, err := p.ParseDate(text, now); err == nil && at != nil {
			return *at, nil
		}
	}
	if d, err := time.ParseDuration(strings.ReplaceAll(text, " ", "")); err == nil {
		return now.Add(d), nil
	}
	return time.Time{}, errSleepUnparsed
}

func handleMusicSleep(event *events.ApplicationCommandInteractionCreate, engine *proc.Engine, data discord.SlashCommandInteractionData) {
	when, _ := data.OptString("when")

	// First use builds the parser, which can take a moment
	_ = event.DeferCreateMessage(false)

	at, err := parseSleep(sleepParser(), when, time.Now())
	if err != nil {
		editMusic(event, fmt.Sprintf(sys.MsgMusicSleepBad, sys.Truncate(when, 60)))
		return
	}

	ctx, cancel := commandCtx()
	defer cancel()
	if err := engine.SleepAt(ctx, *event.GuildID(), at); err != nil {
		editMusic(event, musicErrorText(err))
		return
	}
	editMusic(event, fmt.Sprintf(sys.MsgMusicSleepSet, at.Unix()))
}
