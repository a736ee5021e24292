package home

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/leeineian/thienlam/proc"
	"github.com/leeineian/thienlam/sys"
)

func init() {
	sys.RegisterCommand(discord.SlashCommandCreate{
		Name:        "music",
		Description: "Music System",
		Contexts:    []discord.InteractionContextType{discord.InteractionContextTypeGuild},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Play a link or the best match for a song name",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "query",
						Description:  "The URL or song name to play",
						Required:     true,
						Autocomplete: true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "search",
				Description: "Search and pick from the top results",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "query",
						Description: "What to search for",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "now",
				Description: "Show the track on air",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "pause",
				Description: "Pause playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "resume",
				Description: "Resume playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skip",
				Description: "Skip the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stop",
				Description: "Stop audio and leave",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "loop",
				Description: "Toggle looping of the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "shuffle",
				Description: "Shuffle the queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "queue",
				Description: "List the queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "clear",
				Description: "Remove every queued track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "playnow",
				Description: "Jump to a queued track",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:         "position",
						Description:  "Queue position",
						Required:     true,
						Autocomplete: true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "remove",
				Description: "Remove a queued track",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:         "position",
						Description:  "Queue position",
						Required:     true,
						Autocomplete: true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "sleep",
				Description: "Leave the channel at a given time",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "when",
						Description: "e.g. 'in 30 minutes', '23:30' or '1h15m'",
						Required:    true,
					},
				},
			},
		},
	}, func(event *events.ApplicationCommandInteractionCreate) {
		data := event.SlashCommandInteractionData()
		if data.SubCommandName == nil || event.GuildID() == nil {
			return
		}
		engine := musicEngine.Load()
		if engine == nil {
			replyMusic(event, fmt.Sprintf(sys.MsgMusicGenericFail, errEngineNotReady), true)
			return
		}
		if !sys.GlobalConfig.ChannelAllowed(event.Channel().ID().String()) {
			replyMusic(event, sys.MsgMusicWrongChannel, true)
			return
		}

		sys.LogDebug(sys.MsgMusicCommand, event.User().Username, *data.SubCommandName, event.GuildID().String())

		switch *data.SubCommandName {
		case "play":
			handleMusicPlay(event, engine, data)
		case "search":
			handleMusicSearch(event, engine, data)
		case "now":
			handleMusicNow(event, engine)
		case "pause":
			handleMusicPause(event, engine)
		case "resume":
			handleMusicResume(event, engine)
		case "skip":
			handleMusicSkip(event, engine)
		case "stop":
			handleMusicStop(event, engine)
		case "loop":
			handleMusicLoop(event, engine)
		case "shuffle":
			handleMusicShuffle(event, engine)
		case "queue":
			handleMusicQueue(event, engine)
		case "clear":
			handleMusicClear(event, engine)
		case "playnow":
			handleMusicPlayNow(event, engine, data)
		case "remove":
			handleMusicRemove(event, engine, data)
		case "sleep":
			handleMusicSleep(event, engine, data)
		}
	})

	sys.RegisterAutocompleteHandler("music", handleMusicAutocomplete)
	sys.RegisterComponentHandler(proc.ControlPrefix, handleMusicControl)
	sys.RegisterComponentHandler(searchPickPrefix, handleMusicPick)
	sys.RegisterComponentHandler(searchDoneID, handleMusicSearchDone)
	sys.RegisterVoiceStateUpdateHandler(handleMusicVoiceState)
}

var errEngineNotReady = errors.New("music engine is still starting")

// musicContainer wraps text in the V2 container every music reply uses.
func musicContainer(text string) discord.ContainerComponent {
	return discord.NewContainer(discord.NewTextDisplay(text))
}

func replyMusic(event *events.ApplicationCommandInteractionCreate, text string, ephemeral bool) {
	err := event.CreateMessage(discord.NewMessageCreateBuilder().
		SetIsComponentsV2(true).
		AddComponents(musicContainer(text)).
		SetEphemeral(ephemeral).
		Build())
	if err != nil {
		sys.LogMusic(sys.MsgMusicReplyFail, err)
	}
}

// editMusic replaces a deferred reply.
func editMusic(event *events.ApplicationCommandInteractionCreate, text string) {
	_, err := event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
		discord.NewMessageUpdateBuilder().
			SetIsComponentsV2(true).
			AddComponents(musicContainer(text)).
			Build())
	if err != nil {
		sys.LogMusic(sys.MsgMusicReplyFail, err)
	}
}

// musicErrorText turns an engine error into the line shown to the user.
func musicErrorText(err error) string {
	switch {
	case errors.Is(err, proc.ErrDuplicateQueue):
		return sys.MsgMusicDuplicate
	case errors.Is(err, proc.ErrVoiceUnavailable):
		return sys.MsgMusicVoiceFailed
	case errors.Is(err, proc.ErrNothingPlaying), errors.Is(err, proc.ErrSessionClosed):
		return sys.MsgMusicNothing
	case errors.Is(err, proc.ErrQueueTooShort):
		return sys.MsgMusicTooShort
	case errors.Is(err, proc.ErrTimeInPast):
		return sys.MsgMusicSleepPast
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf(sys.MsgMusicGenericFail, "timed out")
	default:
		return fmt.Sprintf(sys.MsgMusicGenericFail, err)
	}
}

// checkMusicAccess gates enqueueing on the listener's cultivation progress.
// It returns the refusal text, or "" when the user may play.
func checkMusicAccess(cfg *sys.Config, table *sys.RewardTable, userID string, load func() (*sys.Profile, error)) string {
	if cfg.IsAdmin(userID) {
		return ""
	}
	p, err := load()
	if errors.Is(err, sys.ErrProfileNotFound) {
		return sys.MsgMusicNoProfile
	}
	if err != nil {
		return fmt.Sprintf(sys.MsgMusicGenericFail, err)
	}
	if p.Layer < cfg.MusicMinLayer {
		return fmt.Sprintf(sys.MsgMusicLowLayer, table.RankFor(cfg.MusicMinLayer).Name, cfg.MusicMinLayer, p.Layer)
	}
	if p.DailyStreak < cfg.MusicMinStreak {
		return fmt.Sprintf(sys.MsgMusicLowStreak, cfg.MusicMinStreak, p.DailyStreak)
	}
	return ""
}

// gateMusic runs the access check for a command and answers the refusal.
func gateMusic(event *events.ApplicationCommandInteractionCreate, engine *proc.Engine) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	user := event.User()
	refusal := checkMusicAccess(sys.GlobalConfig, engine.Rewards().Table(), user.ID.String(), func() (*sys.Profile, error) {
		return musicStore.GetUser(ctx, user.ID)
	})
	if refusal == "" {
		return true
	}
	sys.LogMusic(sys.MsgMusicDenied, user.Username, refusal)
	replyMusic(event, refusal, true)
	return false
}

// handleMusicVoiceState tears the session down when the bot is moved out of voice.
func handleMusicVoiceState(event *events.GuildVoiceStateUpdate) {
	engine := musicEngine.Load()
	if engine == nil {
		return
	}
	self, ok := event.Client().Caches.SelfUser()
	if !ok || event.VoiceState.UserID != self.ID {
		return
	}
	if event.VoiceState.ChannelID == nil {
		engine.HandleDisconnect(event.VoiceState.GuildID)
	}
}
