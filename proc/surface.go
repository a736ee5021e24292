package proc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/thienlam/sys"
)

// Control button ids, handled in home.
const (
	ControlPrefix  = "music:ctl:"
	ControlPause   = ControlPrefix + "pause"
	ControlSkip    = ControlPrefix + "skip"
	ControlShuffle = ControlPrefix + "shuffle"
	ControlLoop    = ControlPrefix + "loop"
	ControlStop    = ControlPrefix + "stop"
)

// DiscordSurface posts status messages as V2 component containers.
type DiscordSurface struct {
	Client *bot.Client
}

func (d DiscordSurface) Create(ctx context.Context, channelID snowflake.ID, view NowPlayingView) (snowflake.ID, error) {
	msg := discord.NewMessageCreateBuilder().
		SetIsComponentsV2(true).
		AddComponents(ViewContainer(view)).
		Build()
	m, err := d.Client.Rest.CreateMessage(channelID, msg, rest.WithCtx(ctx))
	if err != nil {
		return 0, classifyRest(err)
	}
	return m.ID, nil
}

func (d DiscordSurface) Edit(ctx context.Context, channelID, messageID snowflake.ID, view NowPlayingView) error {
	upd := discord.NewMessageUpdateBuilder().
		SetIsComponentsV2(true).
		AddComponents(ViewContainer(view)).
		Build()
	_, err := d.Client.Rest.UpdateMessage(channelID, messageID, upd, rest.WithCtx(ctx))
	return classifyRest(err)
}

func (d DiscordSurface) Delete(ctx context.Context, channelID, messageID snowflake.ID) error {
	return classifyRest(d.Client.Rest.DeleteMessage(channelID, messageID, rest.WithCtx(ctx)))
}

func (d DiscordSurface) Notify(ctx context.Context, channelID snowflake.ID, text string) (snowflake.ID, error) {
	msg := discord.NewMessageCreateBuilder().
		SetIsComponentsV2(true).
		AddComponents(discord.NewContainer(discord.NewTextDisplay(text))).
		Build()
	m, err := d.Client.Rest.CreateMessage(channelID, msg, rest.WithCtx(ctx))
	if err != nil {
		return 0, classifyRest(err)
	}
	return m.ID, nil
}

// classifyRest folds REST failures into the errors the synchronizer acts on.
func classifyRest(err error) error {
	if err == nil {
		return nil
	}
	s := err.Error()
	switch {
	case strings.Contains(s, "Unknown Message"), strings.Contains(s, "Unknown Channel"), strings.Contains(s, "404 Not Found"):
		return fmt.Errorf("%w: %v", ErrStatusGone, err)
	case strings.Contains(s, "429 Too Many"), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrStatusRateLimited, err)
	}
	return err
}

// ViewContainer lays a view out as the status message body.
func ViewContainer(v NowPlayingView) discord.ContainerComponent {
	var parts []discord.ContainerSubComponent

	header := viewHeader(v)
	if v.Thumbnail != "" {
		parts = append(parts, discord.NewSection(discord.NewTextDisplay(header)).WithAccessory(discord.NewThumbnail(v.Thumbnail)))
	} else {
		parts = append(parts, discord.NewTextDisplay(header))
	}

	parts = append(parts,
		discord.NewSeparator(discord.SeparatorSpacingSizeSmall).WithDivider(true),
		discord.NewTextDisplay(viewDetails(v)),
		discord.NewActionRow(controlButtons(v)...),
	)
	return discord.NewContainer(parts...)
}

func viewHeader(v NowPlayingView) string {
	var sb strings.Builder
	switch v.State {
	case StatePlaying:
		sb.WriteString("## 🎶 Now Playing\n")
	case StatePaused:
		sb.WriteString("## ⏸️ Paused\n")
	case StateLoading:
		sb.WriteString("## ⏳ Loading\n")
	default:
		sb.WriteString("## 💤 Idle\n")
	}

	title := v.Title
	if title == "" {
		title = v.LoadingTitle
	}
	if title != "" {
		title = sys.Truncate(title, 80)
		if v.URL != "" && isURL(v.URL) {
			fmt.Fprintf(&sb, "**[%s](%s)**\n", title, v.URL)
		} else {
			fmt.Fprintf(&sb, "**%s**\n", title)
		}
	} else {
		sb.WriteString("Nothing is playing. Use `/music play` to start.\n")
	}
	if v.Uploader != "" {
		fmt.Fprintf(&sb, "-# %s\n", sys.Truncate(v.Uploader, 60))
	}
	if v.RequesterID != 0 {
		fmt.Fprintf(&sb, "Requested by <@%s>", v.RequesterID)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func viewDetails(v NowPlayingView) string {
	var lines []string
	if v.Active() {
		total := "live"
		if v.Duration > 0 {
			total = sys.FormatClock(v.Duration)
		}
		elapsed := "00:00"
		if v.Elapsed > 0 {
			elapsed = sys.FormatClock(v.Elapsed)
		}
		lines = append(lines, fmt.Sprintf("`%s` %s `%s`", elapsed, sys.ProgressBar(v.Progress, 12), total))
	}
	if v.LoadingTitle != "" {
		lines = append(lines, fmt.Sprintf("📥 %s `%d%%`", sys.Truncate(v.LoadingTitle, 50), v.DownloadPercent))
	}

	queue := fmt.Sprintf("📜 %d queued", v.QueueLength)
	if v.NextTitle != "" {
		queue += fmt.Sprintf(" · next: %s", sys.Truncate(v.NextTitle, 50))
	}
	lines = append(lines, queue)

	if v.Loop {
		lines = append(lines, "🔁 Loop on")
	}
	if v.Active() && (v.Exp > 0 || v.Currency > 0) {
		lines = append(lines, fmt.Sprintf("✨ +%s exp · 💎 +%s", sys.FormatNumber(int64(v.Exp)), sys.FormatNumber(v.Currency)))
	}
	if !v.SleepAt.IsZero() {
		lines = append(lines, fmt.Sprintf("🌙 Leaving <t:%d:R>", v.SleepAt.Unix()))
	}
	return strings.Join(lines, "\n")
}

func controlButtons(v NowPlayingView) []discord.InteractiveComponent {
	pauseLabel := "⏸️ Pause"
	if v.State == StatePaused {
		pauseLabel = "▶️ Resume"
	}
	loopStyle := discord.ButtonStyleSecondary
	if v.Loop {
		loopStyle = discord.ButtonStyleSuccess
	}
	return []discord.InteractiveComponent{
		discord.NewButton(discord.ButtonStylePrimary, pauseLabel, ControlPause, "", 0).WithDisabled(!v.Active()),
		discord.NewButton(discord.ButtonStyleSecondary, "⏭️ Skip", ControlSkip, "", 0).WithDisabled(!v.Active()),
		discord.NewButton(discord.ButtonStyleSecondary, "🔀 Shuffle", ControlShuffle, "", 0).WithDisabled(v.QueueLength < 2),
		discord.NewButton(loopStyle, "🔁 Loop", ControlLoop, "", 0),
		discord.NewButton(discord.ButtonStyleDanger, "⏹️ Stop", ControlStop, "", 0),
	}
}
