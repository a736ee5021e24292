package home

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/omit"
	"github.com/leeineian/thienlam/proc"
	"github.com/leeineian/thienlam/sys"
)

func init() {
	adminPerm := discord.PermissionAdministrator

	sys.RegisterCommand(discord.SlashCommandCreate{
		Name:                     "musicadmin",
		Description:              "Music cache and reward tools",
		DefaultMemberPermissions: omit.New(&adminPerm),
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "cache",
				Description: "Show cache usage",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "sweep",
				Description: "Evict unused tracks beyond the keep limit",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "clear",
				Description: "Drop every track not in use",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "grant",
				Description: "Give a listener a buff item",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "user",
						Description: "Who receives the item",
						Required:    true,
					},
					discord.ApplicationCommandOptionString{
						Name:         "item",
						Description:  "Item from the reward catalog",
						Required:     true,
						Autocomplete: true,
					},
				},
			},
		},
	}, func(event *events.ApplicationCommandInteractionCreate) {
		data := event.SlashCommandInteractionData()
		if data.SubCommandName == nil {
			return
		}
		engine := musicEngine.Load()
		if engine == nil {
			replyMusic(event, fmt.Sprintf(sys.MsgMusicGenericFail, errEngineNotReady), true)
			return
		}
		if !sys.GlobalConfig.IsAdmin(event.User().ID.String()) {
			replyMusic(event, sys.MsgMusicAdminOnly, true)
			return
		}

		sys.LogMusic(sys.MsgMusicAdminUsed, event.User().Username, *data.SubCommandName)

		switch *data.SubCommandName {
		case "cache":
			handleMusicAdminCache(event, engine)
		case "sweep":
			handleMusicAdminSweep(event, engine)
		case "clear":
			handleMusicAdminClear(event, engine)
		case "grant":
			handleMusicAdminGrant(event, engine, data)
		}
	})

	sys.RegisterAutocompleteHandler("musicadmin", handleMusicAdminAutocomplete)
}

func handleMusicAdminCache(event *events.ApplicationCommandInteractionCreate, engine *proc.Engine) {
	st := engine.Cache().Stats()
	text := fmt.Sprintf(sys.MsgMusicCacheStats, st.Entries, st.Referenced, sys.FormatBytes(st.Bytes)) + "\n" +
		fmt.Sprintf(sys.MsgMusicCacheWhere, sys.TruncateCenter(sys.GlobalConfig.CacheDir, 60), engine.Sessions())
	replyMusic(event, text, true)
}

func handleMusicAdminSweep(event *events.ApplicationCommandInteractionCreate, engine *proc.Engine) {
	n := engine.Cache().Sweep()
	if n > 0 {
		sys.LogCache(sys.MsgCacheSwept, n)
	}
	replyMusic(event, fmt.Sprintf(sys.MsgMusicCacheSwept, n), true)
}

func handleMusicAdminClear(event *events.ApplicationCommandInteractionCreate, engine *proc.Engine) {
	n := engine.Cache().Clear()
	replyMusic(event, fmt.Sprintf(sys.MsgMusicCacheCleared, n), true)
}

func handleMusicAdminGrant(event *events.ApplicationCommandInteractionCreate, engine *proc.Engine, data discord.SlashCommandInteractionData) {
	user, _ := data.OptUser("user")
	itemID, _ := data.OptString("item")

	item, ok := engine.Rewards().Table().Item(itemID)
	if !ok {
		replyMusic(event, fmt.Sprintf(sys.MsgMusicBuffUnknown, sys.Truncate(itemID, 40)), true)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := musicStore.GetUser(ctx, user.ID); err != nil {
		if errors.Is(err, sys.ErrProfileNotFound) {
			replyMusic(event, fmt.Sprintf(sys.MsgMusicProfileMissing, user.ID), true)
		} else {
			replyMusic(event, fmt.Sprintf(sys.MsgMusicGenericFail, err), true)
		}
		return
	}

	err := sys.GrantBuff(ctx, user.ID, sys.Buff{
		Kind:      item.Kind,
		Value:     item.Value,
		ExpiresAt: time.Now().Add(item.TTL()),
	})
	if err != nil {
		replyMusic(event, fmt.Sprintf(sys.MsgMusicGenericFail, err), true)
		return
	}
	replyMusic(event, fmt.Sprintf(sys.MsgMusicBuffGranted, user.ID, item.Emoji+" "+item.Name, item.Duration), false)
}

func handleMusicAdminAutocomplete(event *events.AutocompleteInteractionCreate) {
	engine := musicEngine.Load()
	focused := event.Data.Focused()
	if engine == nil || focused.Name != "item" {
		_ = event.AutocompleteResult(nil)
		return
	}
	_ = event.AutocompleteResult(itemChoices(engine.Rewards().Table(), focused.String()))
}

// itemChoices lists catalog items whose id or name contains typed.
func itemChoices(table *sys.RewardTable, typed string) []discord.AutocompleteChoice {
	var choices []discord.AutocompleteChoice
	for _, it := range table.Items {
		if typed != "" && !sys.ContainsLower(it.ID, typed) && !sys.ContainsLower(it.Name, typed) {
			continue
		}
		choices = append(choices, discord.AutocompleteChoiceString{
			Name:  sys.Truncate(fmt.Sprintf("%s %s (%s, %s)", it.Emoji, it.Name, it.Kind, it.Duration), 100),
			Value: it.ID,
		})
		if len(choices) == 25 {
			break
		}
	}
	return choices
}
