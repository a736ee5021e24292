package home

import (
	"context"
	"fmt"
	"time"

	"github.com/disgoorg/disgo/events"
	"github.com/leeineian/thienlam/proc"
	"github.com/leeineian/thienlam/sys"
)

func commandCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func handleMusicPause(event *events.ApplicationCommandInteractionCreate, engine *proc.Engine) {
	ctx, cancel := commandCtx()
	defer cancel()
	if err := engine.Pause(ctx, *event.GuildID()); err != nil {
		replyMusic(event, musicErrorText(err), true)
		return
	}
	replyMusic(event, sys.MsgMusicPaused, false)
}

func handleMusicResume(event *events.ApplicationCommandInteractionCreate, engine *proc.Engine) {
	ctx, cancel := commandCtx()
	defer cancel()
	if err := engine.Resume(ctx, *event.GuildID()); err != nil {
		replyMusic(event, musicErrorText(err), true)
		return
	}
	replyMusic(event, sys.MsgMusicResumed, false)
}

func handleMusicSkip(event *events.ApplicationCommandInteractionCreate, engine *proc.Engine) {
	ctx, cancel := commandCtx()
	defer cancel()
	skipped, ok, err := engine.Skip(ctx, *event.GuildID())
	if err != nil {
		replyMusic(event, musicErrorText(err), true)
		return
	}
	if !ok {
		replyMusic(event, sys.MsgMusicNothing, true)
		return
	}
	replyMusic(event, fmt.Sprintf(sys.MsgMusicSkipped, trackLink(skipped.Title, skipped.Identifier)), false)
}

func handleMusicStop(event *events.ApplicationCommandInteractionCreate, engine *proc.Engine) {
	// Flushing rewards and deleting messages can outlast the 3s reply window
	_ = event.DeferCreateMessage(false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := engine.Stop(ctx, *event.GuildID()); err != nil {
		editMusic(event, musicErrorText(err))
		return
	}
	editMusic(event, sys.MsgMusicStopped)
}

func handleMusicLoop(event *events.ApplicationCommandInteractionCreate, engine *proc.Engine) {
	ctx, cancel := commandCtx()
	defer cancel()
	on, err := engine.ToggleLoop(ctx, *event.GuildID())
	if err != nil {
		replyMusic(event, musicErrorText(err), true)
		return
	}
	if on {
		replyMusic(event, sys.MsgMusicLoopOn, false)
	} else {
		replyMusic(event, sys.MsgMusicLoopOff, false)
	}
}

func handleMusicShuffle(event *events.ApplicationCommandInteractionCreate, engine *proc.Engine) {
	ctx, cancel := commandCtx()
	defer cancel()
	if err := engine.ShuffleQueue(ctx, *event.GuildID()); err != nil {
		replyMusic(event, musicErrorText(err), true)
		return
	}
	replyMusic(event, sys.MsgMusicShuffled, false)
}

// handleMusicControl serves the buttons on the status message.
func handleMusicControl(event *events.ComponentInteractionCreate) {
	engine := musicEngine.Load()
	if engine == nil || event.GuildID() == nil {
		event.DeferUpdateMessage()
		return
	}
	guildID := *event.GuildID()

	// The status message is re-rendered below, so only errors get a reply
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var err error
	switch event.Data.CustomID() {
	case proc.ControlPause:
		_, err = engine.TogglePause(ctx, guildID)
	case proc.ControlSkip:
		_, _, err = engine.Skip(ctx, guildID)
	case proc.ControlShuffle:
		err = engine.ShuffleQueue(ctx, guildID)
	case proc.ControlLoop:
		_, err = engine.ToggleLoop(ctx, guildID)
	case proc.ControlStop:
		_ = event.DeferUpdateMessage()
		if err := engine.Stop(ctx, guildID); err != nil {
			sys.LogMusic(sys.MsgMusicReplyFail, err)
		}
		return
	}
	if err != nil {
		ephemeralComponentReply(event, musicErrorText(err))
		return
	}

	_ = event.DeferUpdateMessage()
	engine.Render(ctx, guildID)
}
