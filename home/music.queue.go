package home

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/leeineian/thienlam/proc"
	"github.com/leeineian/thienlam/sys"
)

const queuePageSize = 15

func handleMusicNow(event *events.ApplicationCommandInteractionCreate, engine *proc.Engine) {
	ctx, cancel := commandCtx()
	defer cancel()

	v, err := engine.NowPlaying(ctx, *event.GuildID())
	if err != nil {
		replyMusic(event, musicErrorText(err), true)
		return
	}
	err = event.CreateMessage(discord.NewMessageCreateBuilder().
		SetIsComponentsV2(true).
		AddComponents(proc.ViewContainer(v)).
		SetEphemeral(true).
		Build())
	if err != nil {
		sys.LogMusic(sys.MsgMusicReplyFail, err)
	}
}

func handleMusicQueue(event *events.ApplicationCommandInteractionCreate, engine *proc.Engine) {
	ctx, cancel := commandCtx()
	defer cancel()

	v, err := engine.ListQueue(ctx, *event.GuildID())
	if err != nil {
		replyMusic(event, musicErrorText(err), true)
		return
	}
	if v.Current == nil && v.Loading == nil && len(v.Tracks) == 0 {
		replyMusic(event, sys.MsgMusicQueueEmpty, true)
		return
	}
	replyMusic(event, formatQueue(v), false)
}

// formatQueue lists the first page of the queue with a running total.
func formatQueue(v proc.QueueView) string {
	lines := []string{sys.MsgMusicQueueHeader}
	if v.Current != nil {
		lines = append(lines, fmt.Sprintf(sys.MsgMusicQueueNow, trackLink(v.Current.Title, v.Current.Identifier)))
	}
	if v.Loading != nil {
		lines = append(lines, fmt.Sprintf(sys.MsgMusicQueueLoading, trackLink(v.Loading.Title, v.Loading.Identifier)))
	}
	if v.Loop {
		lines = append(lines, sys.MsgMusicQueueLoop)
	}
	if len(v.Tracks) == 0 {
		lines = append(lines, sys.MsgMusicQueueEmpty)
		return strings.Join(lines, "\n")
	}

	lines = append(lines, "")
	for i, t := range v.Tracks {
		if i == queuePageSize {
			lines = append(lines, fmt.Sprintf(sys.MsgMusicQueueMore, len(v.Tracks)-queuePageSize))
			break
		}
		line := fmt.Sprintf("`%d.` %s", i+1, trackLink(t.Title, t.Identifier))
		if t.Duration > 0 {
			line += " `" + sys.FormatClock(t.Duration) + "`"
		}
		lines = append(lines, line)
	}

	total, unknown := v.Duration()
	footer := fmt.Sprintf(sys.MsgMusicQueueTotal, len(v.Tracks), sys.FormatClock(total))
	if unknown > 0 {
		footer += fmt.Sprintf(sys.MsgMusicQueueUnknown, unknown)
	}
	lines = append(lines, footer)
	return strings.Join(lines, "\n")
}

func handleMusicClear(event *events.ApplicationCommandInteractionCreate, engine *proc.Engine) {
	ctx, cancel := commandCtx()
	defer cancel()

	n, err := engine.ClearQueue(ctx, *event.GuildID())
	if err != nil {
		replyMusic(event, musicErrorText(err), true)
		return
	}
	if n == 0 {
		replyMusic(event, sys.MsgMusicQueueEmpty, true)
		return
	}
	replyMusic(event, fmt.Sprintf(sys.MsgMusicCleared, n), false)
}

func handleMusicPlayNow(event *events.ApplicationCommandInteractionCreate, engine *proc.Engine, data discord.SlashCommandInteractionData) {
	pos, _ := data.OptInt("position")
	ctx, cancel := commandCtx()
	defer cancel()

	t, err := engine.PlayAt(ctx, *event.GuildID(), pos)
	if errors.Is(err, proc.ErrInvalidPosition) {
		replyMusic(event, fmt.Sprintf(sys.MsgMusicBadPosition, pos), true)
		return
	}
	if err != nil {
		replyMusic(event, musicErrorText(err), true)
		return
	}
	replyMusic(event, fmt.Sprintf(sys.MsgMusicPromoted, trackLink(t.Title, t.Identifier)), false)
}

func handleMusicRemove(event *events.ApplicationCommandInteractionCreate, engine *proc.Engine, data discord.SlashCommandInteractionData) {
	pos, _ := data.OptInt("position")
	ctx, cancel := commandCtx()
	defer cancel()

	t, err := engine.RemoveAt(ctx, *event.GuildID(), pos)
	if errors.Is(err, proc.ErrInvalidPosition) {
		replyMusic(event, fmt.Sprintf(sys.MsgMusicBadPosition, pos), true)
		return
	}
	if err != nil {
		replyMusic(event, musicErrorText(err), true)
		return
	}
	replyMusic(event, fmt.Sprintf(sys.MsgMusicRemoved, trackLink(t.Title, t.Identifier)), false)
}

func handlePositionAutocomplete(event *events.AutocompleteInteractionCreate, engine *proc.Engine, typed string) {
	ctx, cancel := commandCtx()
	defer cancel()

	v, err := engine.ListQueue(ctx, *event.GuildID())
	if err != nil {
		_ = event.AutocompleteResult(nil)
		return
	}
	_ = event.AutocompleteResult(positionChoices(v.Tracks, typed))
}

// positionChoices offers "N. title" entries matching the typed number or text.
func positionChoices(tracks []proc.QueuedTrack, typed string) []discord.AutocompleteChoice {
	typed = strings.TrimSpace(typed)
	var choices []discord.AutocompleteChoice
	for i, t := range tracks {
		pos := i + 1
		name := strconv.Itoa(pos) + ". " + t.Title
		if typed != "" && !strings.HasPrefix(strconv.Itoa(pos), typed) && !sys.ContainsLower(t.Title, typed) {
			continue
		}
		choices = append(choices, discord.AutocompleteChoiceInt{
			Name:  sys.Truncate(name, 100),
			Value: pos,
		})
		if len(choices) == 25 {
			break
		}
	}
	return choices
}
