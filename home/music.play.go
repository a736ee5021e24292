package home

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/thienlam/proc"
	"github.com/leeineian/thienlam/sys"
)

const (
	searchPickPrefix = "music:pick:"
	searchDoneID     = "music:done"
	searchLimit      = 5
	searchTTL        = 3 * time.Minute
)

// pendingSearch is a result list waiting for its requester to pick.
type pendingSearch struct {
	requesterID snowflake.ID
	guildID     snowflake.ID
	channelID   snowflake.ID
	query       string
	results     []proc.TrackMetadata
	picked      []bool
	expires     time.Time
}

type pickOutcome int

const (
	pickOK pickOutcome = iota
	pickExpired
	pickNotYours
	pickTaken
)

// searchBoard holds open result lists by message id. A list stays open until
// its requester presses Done, every result is picked or it expires.
type searchBoard struct {
	mu      sync.Mutex
	pending map[snowflake.ID]*pendingSearch
	now     func() time.Time
}

var openSearches = &searchBoard{pending: make(map[snowflake.ID]*pendingSearch), now: time.Now}

func (b *searchBoard) put(messageID snowflake.ID, p *pendingSearch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for id, old := range b.pending {
		if now.After(old.expires) {
			delete(b.pending, id)
		}
	}
	p.expires = now.Add(searchTTL)
	p.picked = make([]bool, len(p.results))
	b.pending[messageID] = p
}

// lookupLocked returns the live list, dropping it once expired.
func (b *searchBoard) lookupLocked(messageID snowflake.ID) (*pendingSearch, bool) {
	p, ok := b.pending[messageID]
	if ok && b.now().After(p.expires) {
		delete(b.pending, messageID)
		return nil, false
	}
	return p, ok
}

// get checks that userID may pick result idx and returns a copy of the list.
func (b *searchBoard) get(messageID, userID snowflake.ID, idx int) (pendingSearch, pickOutcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.lookupLocked(messageID)
	switch {
	case !ok:
		return pendingSearch{}, pickExpired
	case p.requesterID != userID:
		return pendingSearch{}, pickNotYours
	case idx < 0 || idx >= len(p.results) || p.picked[idx]:
		return pendingSearch{}, pickTaken
	}
	return p.copy(), pickOK
}

// mark records result idx as picked. open is false once every result has
// been picked, at which point the list is dropped.
func (b *searchBoard) mark(messageID snowflake.ID, idx int) (p pendingSearch, open bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	live, ok := b.lookupLocked(messageID)
	if !ok {
		return pendingSearch{}, false
	}
	if idx >= 0 && idx < len(live.picked) {
		live.picked[idx] = true
	}
	if !slices.Contains(live.picked, false) {
		delete(b.pending, messageID)
		return live.copy(), false
	}
	return live.copy(), true
}

// close drops the list if userID owns it. A list owned by someone else is
// left in place and reported with ok false.
func (b *searchBoard) close(messageID, userID snowflake.ID) (found, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, found := b.lookupLocked(messageID)
	if !found {
		return false, false
	}
	if p.requesterID != userID {
		return true, false
	}
	delete(b.pending, messageID)
	return true, true
}

func (p *pendingSearch) copy() pendingSearch {
	cp := *p
	cp.picked = slices.Clone(p.picked)
	return cp
}

func handleMusicPlay(event *events.ApplicationCommandInteractionCreate, engine *proc.Engine, data discord.SlashCommandInteractionData) {
	query, _ := data.OptString("query")
	query = strings.TrimSpace(query)
	if !gateMusic(event, engine) || !requireVoice(event) {
		return
	}

	// Instant Defer
	_ = event.DeferCreateMessage(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := engine.Play(ctx, proc.PlayRequest{
		GuildID:     *event.GuildID(),
		RequesterID: event.User().ID,
		ChannelID:   event.Channel().ID(),
		Query:       query,
	})
	if errors.Is(err, proc.ErrNoResults) {
		editMusic(event, fmt.Sprintf(sys.MsgMusicNoResults, sys.Truncate(query, 80)))
		return
	}
	if err != nil {
		editMusic(event, musicErrorText(err))
		return
	}
	editMusic(event, queueResultText(res))
}

func queueResultText(res proc.QueueResult) string {
	title := trackLink(res.Track.Title, res.Track.Identifier)
	if res.Started {
		return fmt.Sprintf(sys.MsgMusicStarting, title)
	}
	return fmt.Sprintf(sys.MsgMusicQueued, title, res.Position)
}

// trackLink renders a masked link, dropping the link for free-text identifiers.
func trackLink(title, url string) string {
	title = strings.NewReplacer("[", "(", "]", ")", "*", "").Replace(sys.Truncate(title, 80))
	if !strings.HasPrefix(url, "http") {
		return title
	}
	return "[" + title + "](" + url + ")"
}

// requireVoice answers and returns false when the user is not in voice.
func requireVoice(event *events.ApplicationCommandInteractionCreate) bool {
	vs, ok := event.Client().Caches.VoiceState(*event.GuildID(), event.User().ID)
	if !ok || vs.ChannelID == nil {
		replyMusic(event, sys.MsgMusicJoinVoice, true)
		return false
	}
	return true
}

func handleMusicSearch(event *events.ApplicationCommandInteractionCreate, engine *proc.Engine, data discord.SlashCommandInteractionData) {
	query, _ := data.OptString("query")
	query = strings.TrimSpace(query)
	if !gateMusic(event, engine) || !requireVoice(event) {
		return
	}

	_ = event.DeferCreateMessage(false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	results, err := engine.Search(ctx, query, searchLimit)
	if err != nil && !errors.Is(err, proc.ErrNoResults) {
		editMusic(event, musicErrorText(err))
		return
	}
	if len(results) == 0 {
		editMusic(event, fmt.Sprintf(sys.MsgMusicNoResults, sys.Truncate(query, 80)))
		return
	}

	msg, err := event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
		discord.NewMessageUpdateBuilder().
			SetIsComponentsV2(true).
			AddComponents(searchContainer(query, results, nil, "")).
			Build())
	if err != nil {
		sys.LogMusic(sys.MsgMusicReplyFail, err)
		return
	}
	openSearches.put(msg.ID, &pendingSearch{
		requesterID: event.User().ID,
		guildID:     *event.GuildID(),
		channelID:   event.Channel().ID(),
		query:       query,
		results:     results,
	})
}

// searchContainer lists results with a pick button each. Picked results keep
// a disabled button. status, when set, heads the list.
func searchContainer(query string, results []proc.TrackMetadata, picked []bool, status string) discord.ContainerComponent {
	var lines []string
	for i, r := range results {
		line := fmt.Sprintf("`%d.` %s", i+1, trackLink(r.Title, r.URL))
		if r.Uploader != "" {
			line += " · " + sys.Truncate(r.Uploader, 40)
		}
		if r.Duration > 0 {
			line += " · `" + sys.FormatClock(r.Duration) + "`"
		}
		if i < len(picked) && picked[i] {
			line = "~~" + line + "~~"
		}
		lines = append(lines, line)
	}

	var parts []discord.ContainerSubComponent
	if status != "" {
		parts = append(parts, discord.NewTextDisplay(status))
	}
	parts = append(parts,
		discord.NewTextDisplay(fmt.Sprintf(sys.MsgMusicSearchPick, sys.Truncate(query, 80))),
		discord.NewTextDisplay(strings.Join(lines, "\n")),
		discord.NewSeparator(discord.SeparatorSpacingSizeSmall).WithDivider(true),
		discord.NewActionRow(searchButtons(len(results), picked)...),
		discord.NewActionRow(discord.NewDangerButton("✖ Done", searchDoneID)),
	)
	return discord.NewContainer(parts...)
}

func searchButtons(n int, picked []bool) []discord.InteractiveComponent {
	buttons := make([]discord.InteractiveComponent, 0, n)
	for i := range n {
		label, id := strconv.Itoa(i+1), searchPickPrefix+strconv.Itoa(i)
		if i < len(picked) && picked[i] {
			buttons = append(buttons, discord.NewSuccessButton(label, id).AsDisabled())
			continue
		}
		buttons = append(buttons, discord.NewSecondaryButton(label, id))
	}
	return buttons
}

func handleMusicPick(event *events.ComponentInteractionCreate) {
	engine := musicEngine.Load()
	idx, err := strconv.Atoi(strings.TrimPrefix(event.Data.CustomID(), searchPickPrefix))
	if engine == nil || err != nil {
		_ = event.DeferUpdateMessage()
		return
	}

	p, outcome := openSearches.get(event.Message.ID, event.User().ID, idx)
	switch outcome {
	case pickExpired:
		ephemeralComponentReply(event, sys.MsgMusicSearchExpired)
		return
	case pickNotYours:
		ephemeralComponentReply(event, sys.MsgMusicNotYourSearch)
		return
	case pickTaken:
		_ = event.DeferUpdateMessage()
		return
	}

	_ = event.DeferUpdateMessage()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := engine.Enqueue(ctx, proc.PlayRequest{
		GuildID:     p.guildID,
		RequesterID: p.requesterID,
		ChannelID:   p.channelID,
		Query:       p.results[idx].URL,
	}, p.results[idx])

	var component discord.ContainerComponent
	if err != nil {
		// The result stays pickable
		component = searchContainer(p.query, p.results, p.picked, musicErrorText(err))
	} else if p, open := openSearches.mark(event.Message.ID, idx); open {
		component = searchContainer(p.query, p.results, p.picked, queueResultText(res))
	} else {
		component = musicContainer(queueResultText(res))
	}

	_, err = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
		discord.NewMessageUpdateBuilder().
			SetIsComponentsV2(true).
			SetComponents(component).
			Build())
	if err != nil {
		sys.LogMusic(sys.MsgMusicReplyFail, err)
	}
}

func handleMusicSearchDone(event *events.ComponentInteractionCreate) {
	found, ok := openSearches.close(event.Message.ID, event.User().ID)
	if found && !ok {
		ephemeralComponentReply(event, sys.MsgMusicNotYourSearch)
		return
	}
	_ = event.UpdateMessage(discord.NewMessageUpdateBuilder().
		SetIsComponentsV2(true).
		SetComponents(musicContainer(sys.MsgMusicSearchClosed)).
		Build())
}

func ephemeralComponentReply(event *events.ComponentInteractionCreate, text string) {
	_ = event.CreateMessage(discord.NewMessageCreateBuilder().
		SetIsComponentsV2(true).
		AddComponents(musicContainer(text)).
		SetEphemeral(true).
		Build())
}

func handleMusicAutocomplete(event *events.AutocompleteInteractionCreate) {
	engine := musicEngine.Load()
	if engine == nil || event.GuildID() == nil {
		_ = event.AutocompleteResult(nil)
		return
	}

	focused := event.Data.Focused()
	switch focused.Name {
	case "query":
		handleQueryAutocomplete(event, engine, focused.String())
	case "position":
		// Integer options arrive unquoted while the user is still typing
		handlePositionAutocomplete(event, engine, strings.Trim(string(focused.Value), `"`))
	default:
		_ = event.AutocompleteResult(nil)
	}
}

func handleQueryAutocomplete(event *events.AutocompleteInteractionCreate, engine *proc.Engine, query string) {
	query = strings.TrimSpace(query)
	if query == "" {
		_ = event.AutocompleteResult(nil)
		return
	}

	// Discord drops autocomplete answers after three seconds
	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()

	_ = event.AutocompleteResult(suggestionChoices(engine.Suggest(ctx, query)))
}

func suggestionChoices(results []proc.TrackMetadata) []discord.AutocompleteChoice {
	var choices []discord.AutocompleteChoice
	for i, r := range results {
		if i >= 25 {
			break
		}
		name := r.Title
		if r.Uploader != "" {
			name += " · " + r.Uploader
		}

		// Use URL as value for instant playback
		val := r.URL
		if len(val) > 100 {
			val = sys.Truncate(r.Title, 100)
		}

		choices = append(choices, discord.AutocompleteChoiceString{
			Name:  sys.Truncate(name, 100),
			Value: val,
		})
	}
	return choices
}
