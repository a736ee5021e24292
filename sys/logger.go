package sys

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// --- Globals & Styles ---

var (
	// Level colors
	infoColor  = color.New()
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed)
	fatalColor = color.New(color.FgRed, color.Bold)
	debugColor = color.New(color.FgHiBlack)

	// Component colors
	databaseColor = color.New()
	voiceColor    = color.New(color.FgMagenta)
	cacheColor    = color.New(color.FgBlue)
	searchColor   = color.New(color.FgCyan)
	rewardColor   = color.New(color.FgGreen)
	displayColor  = color.New(color.FgHiMagenta)
	musicColor    = color.New(color.FgHiCyan)

	// Global state
	DefaultTimeFormat = "15:04:05"
	IsSilent          = false
	LogToFile         = false
	Logger            *slog.Logger

	logFile *os.File
	logMu   sync.Mutex
)

// --- Initialization ---

func init() {
	InitLogger(false, false)
}

// InitLogger initializes the global structured logger
func InitLogger(silent bool, saveToFile bool) {
	logMu.Lock()
	defer logMu.Unlock()

	IsSilent = silent
	LogToFile = saveToFile
	level := slog.LevelInfo
	if strings.ToLower(os.Getenv("DEBUG")) == "true" {
		level = slog.LevelDebug
	}

	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}

	var writer io.Writer = os.Stdout

	if LogToFile {
		exePath, exeErr := os.Executable()
		logName := GetProjectName() + ".log"
		if exeErr == nil {
			logName = filepath.Base(exePath) + ".log"
		}

		f, err := os.OpenFile(logName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open %s: %v\n", logName, err)
		} else {
			logFile = f
			writer = io.MultiWriter(os.Stdout, NewStripANSIWriter(logFile))
		}
	}

	Logger = slog.New(NewBotLogHandler(writer, &BotLogHandlerOptions{
		Silent: IsSilent,
		Level:  level,
	}))
	slog.SetDefault(Logger)
}

func SetSilentMode(silent bool) {
	InitLogger(silent, LogToFile)
}

func GetLogPath() string {
	logMu.Lock()
	defer logMu.Unlock()
	if logFile == nil {
		return ""
	}
	return logFile.Name()
}

// --- Public Logging API ---

func LogInfo(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...))
}

func LogWarn(format string, v ...any) {
	slog.Warn(fmt.Sprintf(format, v...))
}

func LogError(format string, v ...any) {
	slog.Error(fmt.Sprintf(format, v...))
}

// LogFatal logs at FATAL and panics so deferred cleanup in main still runs.
func LogFatal(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	slog.Log(context.Background(), slog.LevelError+4, msg)
	panic(msg)
}

func LogDebug(format string, v ...any) {
	slog.Debug(fmt.Sprintf(format, v...))
}

// Component Loggers

func LogDatabase(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "database"))
}

func LogVoice(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "voice"))
}

func LogCache(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "cache"))
}

func LogSearch(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "search"))
}

func LogReward(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "reward"))
}

func LogDisplay(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "display"))
}

func LogMusic(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "music"))
}

// --- Log Handler Implementation ---

type BotLogHandlerOptions struct {
	Silent bool
	Level  slog.Leveler
}

type BotLogHandler struct {
	w     io.Writer
	opts  *BotLogHandlerOptions
	mu    *sync.Mutex
	attrs []slog.Attr
}

func NewBotLogHandler(w io.Writer, opts *BotLogHandlerOptions) *BotLogHandler {
	if opts == nil {
		opts = &BotLogHandlerOptions{Level: slog.LevelInfo}
	}
	return &BotLogHandler{
		w:    w,
		opts: opts,
		mu:   &sync.Mutex{},
	}
}

func (h *BotLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.opts.Silent {
		return false
	}
	return level >= h.opts.Level.Level()
}

func (h *BotLogHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.opts.Silent {
		return nil
	}

	timeStr := time.Now().Format(DefaultTimeFormat)
	var levelStr string
	var levelColor *color.Color

	switch {
	case r.Level >= slog.LevelError+4:
		levelStr = "FATAL"
		levelColor = fatalColor
	case r.Level >= slog.LevelError:
		levelStr = "ERROR"
		levelColor = errorColor
	case r.Level >= slog.LevelWarn:
		levelStr = "WARN"
		levelColor = warnColor
	case r.Level >= slog.LevelInfo:
		levelStr = "INFO"
		levelColor = infoColor
	default:
		levelStr = "DEBUG"
		levelColor = debugColor
	}

	component := ""
	var extra []string
	collect := func(a slog.Attr) bool {
		if a.Key == "component" {
			component = strings.ToUpper(a.Value.String())
			return true
		}
		extra = append(extra, a.Key+"="+a.Value.String())
		return true
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(collect)

	msg := r.Message
	if len(extra) > 0 {
		msg += " " + strings.Join(extra, " ")
	}

	fmt.Fprintf(h.w, "%s", timeStr)

	if component != "" {
		if levelStr != "INFO" {
			fmt.Fprintf(h.w, " %s", levelColor.Sprintf("[%s]", levelStr))
		}
		compColor := getComponentColor(component)
		fmt.Fprintf(h.w, " %s\n", colorizeWithResets(compColor, fmt.Sprintf("[%s] %s", component, msg)))
	} else {
		displayMsg := fmt.Sprintf("[%s] %s", levelStr, msg)
		if levelStr == "INFO" && strings.HasPrefix(msg, "[") {
			if idx := strings.Index(msg, "]"); idx > 0 && idx < 20 {
				displayMsg = msg
			}
		}
		fmt.Fprintf(h.w, " %s\n", colorizeWithResets(levelColor, displayMsg))
	}

	return nil
}

// WithAttrs keeps attributes so disgo's sub-loggers still render them.
func (h *BotLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *BotLogHandler) WithGroup(name string) slog.Handler { return h }

// --- Formatting Helpers ---

func getComponentColor(name string) *color.Color {
	switch name {
	case "DATABASE":
		return databaseColor
	case "VOICE":
		return voiceColor
	case "CACHE":
		return cacheColor
	case "SEARCH":
		return searchColor
	case "REWARD":
		return rewardColor
	case "DISPLAY":
		return displayColor
	case "MUSIC":
		return musicColor
	default:
		return color.New(color.FgCyan)
	}
}

func colorizeWithResets(c *color.Color, text string) string {
	if !strings.Contains(text, "\x1b[0m") {
		return c.Sprint(text)
	}

	marker := "@@@MSG@@@"
	wrapped := c.Sprint(marker)
	idx := strings.Index(wrapped, marker)
	if idx <= 0 {
		return text
	}
	startSeq := wrapped[:idx]

	modifiedText := strings.ReplaceAll(text, "\x1b[0m", "\x1b[0m"+startSeq)
	return c.Sprint(modifiedText)
}

// --- ANSI Stripper ---

type StripANSIWriter struct {
	w  io.Writer
	re *regexp.Regexp
}

func NewStripANSIWriter(w io.Writer) *StripANSIWriter {
	return &StripANSIWriter{
		w:  w,
		re: regexp.MustCompile(`\x1b\[[0-9;]*m`),
	}
}

func (s *StripANSIWriter) Write(p []byte) (n int, err error) {
	clean := s.re.ReplaceAll(p, []byte(""))
	_, err = s.w.Write(clean)
	return len(p), err
}

// @sys
const (
	// Configuration
	MsgConfigMissingToken = "DISCORD_TOKEN is not set in .env file"
	MsgConfigInvalidGuild = "GUILD_ID is not a valid snowflake"
	MsgConfigInvalidValue = "%s has an invalid value: %v"
	MsgConfigBadEnv       = "Ignoring invalid %s=%q, using default"
	MsgConfigRewardsFail  = "Failed to load reward table: %v"

	// Data layer
	MsgDatabaseInitSuccess  = "Database initialized successfully"
	MsgDatabaseTableError   = "Failed to create table: %w"
	MsgDatabasePragmaError  = "Failed to set pragma %s: %w"
	MsgDatabaseMigrateError = "Failed to migrate schema: %w"
	MsgDatabasePurged       = "Purged %d expired buffs"
	MsgDatabasePurgeFail    = "Failed to purge expired buffs: %v"

	// Command Registry
	MsgLoaderPanicRecovered     = "Recovered from panic: %v"
	MsgLoaderSyncCommands       = "Syncing commands (%s)..."
	MsgLoaderUpToDate           = "Commands up to date (hash %s)"
	MsgLoaderProdFail           = "Failed to register global commands: %w"
	MsgLoaderDevFail            = "Failed to register guild commands: %w"
	MsgLoaderRegistered         = "Registered command: %s"
	MsgLoaderDevGlobalClear     = "Clearing global commands..."
	MsgLoaderDevGlobalClearFail = "Failed to clear global commands: %v"
	MsgLoaderCleanup            = "Cleared stale commands from guild %s"

	// Bot Lifecycle
	MsgBotStarting       = "Starting %s..."
	MsgBotReady          = "%s is ready! (ID: %s) (PID: %d) (%dms)"
	MsgBotShutdown       = "Shutting down %s..."
	MsgBotKillingOld     = "Killing running instance... (PID: %d)"
	MsgBotKillFail       = "Failed to kill old instance: %v"
	MsgBotOldTerminated  = "Old instance terminated."
	MsgBotPIDWriteFail   = "Failed to write PID file: %v"
	MsgBotRegisterFail   = "Command registration failed: %v"
	MsgBotAPIStatusError = "Discord API returned status %d"
	MsgBotGatewayFail    = "Failed to open gateway: %v"
	MsgBotClientFail     = "Failed to create client: %v"
	MsgBotSkipReg        = "Skipping command registration as requested."
	MsgBotStopDaemons    = "Shutting down all daemons..."
	MsgBotNameFail       = "Failed to get bot username: %v"
	MsgBotPIDLockFail    = "Failed to lock PID file: %v"
	MsgBotStubborn       = "Old process %d is stubborn. Sending SIGKILL..."
	MsgBotDatabaseFail   = "Failed to initialize database: %v"
	MsgBotConfigFail     = "Failed to load config: %v"
	MsgBotLogFile        = "Writing logs to %s"

	// Daemons
	MsgDaemonStarting        = "Starting..."
	MsgDaemonShutdownTimeout = "Timed out waiting for daemons to stop"
)

// @cache
const (
	MsgCacheScanned        = "Indexed %d cached tracks in %s"
	MsgCacheScanFail       = "Failed to scan cache directory: %v"
	MsgCacheStored         = "Stored %q as %s"
	MsgCacheSidecarFail    = "Failed to write metadata for %s: %v"
	MsgCacheWriteFailed    = "Cache write failed at %s: %v"
	MsgCachePressureSweep  = "Swept %d tracks after a failed write"
	MsgCacheSwept          = "Swept %d unused tracks"
	MsgCacheRetry          = "Retrying download of %s"
	MsgSearchSourceFailed  = "Search source %s failed: %v"
	MsgSearchJanitorPruned = "Pruned %d stale search results"
)

// @voice
const (
	MsgVoiceJoining            = "Joining channel %s in guild %s"
	MsgVoiceJoinFailed         = "Failed to join voice in guild %s: %v"
	MsgVoiceConnected          = "Connected to %s in guild %s"
	MsgVoiceLeft               = "Left voice in guild %s"
	MsgVoiceTranscodeFailed    = "Transcode of %s failed: %v"
	MsgVoiceProviderPanic      = "Frame provider panicked: %v"
	MsgVoiceTrackFailed        = "Track %s failed in guild %s: %v"
	MsgVoiceNowPlaying         = "Now playing %q in guild %s"
	MsgVoiceSleepFired         = "Sleep timer fired in guild %s"
	MsgVoiceSessionClosed      = "Session closed in guild %s"
	MsgVoiceShutdownLate       = "Session in guild %s did not stop in time, finishing in background: %v"
	MsgVoiceExternalDisconnect = "Disconnected externally in guild %s"
	MsgVoiceShutdown           = "Closed %d music sessions"
	MsgVoiceEphemeral          = "Music sessions are not persisted; queues reset on restart"
)

// @reward
const (
	MsgRewardProfileLoadFailed = "Failed to load profile %s: %v"
	MsgRewardFlushFailed       = "Failed to save rewards for %s: %v"
	MsgRewardFlushed           = "Saved rewards for %s: +%d exp, +%d stones, %ds listened"
	MsgRewardTableLoaded       = "Loaded reward table with %d items and %d ranks"
)

// @display
const (
	MsgDisplayEditFailed   = "Failed to edit status in guild %s: %v"
	MsgDisplayRecreate     = "Status message gone in guild %s, posting a new one"
	MsgDisplayCreateFailed = "Failed to post status in guild %s: %v"
	MsgDisplayDeleteFailed = "Failed to delete message in guild %s: %v"
	MsgDisplayNotifyFailed = "Failed to send notice in guild %s: %v"
	MsgStatusRotated       = "Presence set to %q (next in %s)"
	MsgStatusUpdateFail    = "Failed to update presence: %v"
)

// @music
const (
	// User facing
	MsgMusicLoadFailed      = "⚠️ Couldn't load **%s**: %s. Skipping."
	MsgMusicPlaybackFailed  = "⚠️ Playback of **%s** stopped: %s."
	MsgMusicTooManyFailures = "⚠️ Too many tracks failed in a row. Use `/music play` to try again."

	MsgMusicErrExtraction = "the video is unavailable"
	MsgMusicErrTranscode  = "the audio could not be decoded"
	MsgMusicErrTimeout    = "the download timed out"
	MsgMusicErrCacheWrite = "the cache is full"
	MsgMusicErrNetwork    = "the network failed"
	MsgMusicErrPlayback   = "the stream broke"

	// Command replies
	MsgMusicLowLayer       = "🚫 Music opens at **%s** (layer %d+). You are at layer **%d**."
	MsgMusicLowStreak      = "🚫 Keep a **%d** day check-in streak to use music. Current streak: **%d** days."
	MsgMusicNoProfile      = "🔒 You don't have a profile yet."
	MsgMusicWrongChannel   = "🚫 Music commands aren't allowed in this channel."
	MsgMusicJoinVoice      = "🔇 Join a voice channel first."
	MsgMusicVoiceFailed    = "🔇 Couldn't join your voice channel."
	MsgMusicDuplicate      = "📜 That track is already queued."
	MsgMusicNoResults      = "🔍 Nothing found for **%s**."
	MsgMusicQueued         = "📥 Queued **%s** at position **%d**."
	MsgMusicStarting       = "▶️ Starting **%s**."
	MsgMusicNothing        = "💤 Nothing is playing."
	MsgMusicPaused         = "⏸️ Paused."
	MsgMusicResumed        = "▶️ Resumed."
	MsgMusicSkipped        = "⏭️ Skipped **%s**."
	MsgMusicStopped        = "⏹️ Stopped and left the channel."
	MsgMusicLoopOn         = "🔁 Loop is on."
	MsgMusicLoopOff        = "➡️ Loop is off."
	MsgMusicShuffled       = "🔀 Shuffled the queue."
	MsgMusicTooShort       = "🔀 Need at least two queued tracks to shuffle."
	MsgMusicCleared        = "🧹 Cleared %d tracks."
	MsgMusicRemoved        = "🗑️ Removed **%s**."
	MsgMusicBadPosition    = "❌ No track at position %d."
	MsgMusicPromoted       = "⏩ Playing **%s** next."
	MsgMusicSleepSet       = "🌙 Leaving <t:%d:R>."
	MsgMusicSleepBad       = "❌ Couldn't understand **%s** as a time."
	MsgMusicSleepPast      = "❌ That time has already passed."
	MsgMusicQueueEmpty     = "📜 The queue is empty."
	MsgMusicQueueHeader    = "## 📜 Queue"
	MsgMusicQueueNow       = "▶️ **Now:** %s"
	MsgMusicQueueLoading   = "⏳ **Loading:** %s"
	MsgMusicQueueMore      = "-# …and %d more"
	MsgMusicQueueTotal     = "-# %d tracks · about %s"
	MsgMusicQueueUnknown   = " · %d without a length"
	MsgMusicQueueLoop      = "🔁 Loop on"
	MsgMusicSearchPick     = "🔍 Results for **%s**"
	MsgMusicSearchExpired  = "⌛ This search was already used."
	MsgMusicGenericFail    = "⚠️ Something went wrong: %v"
	MsgMusicCacheStats     = "💾 **%d** tracks cached (%d in use), %s on disk."
	MsgMusicCacheSwept     = "🧹 Removed %d unused tracks."
	MsgMusicCacheCleared   = "🧹 Cleared %d tracks from the cache."
	MsgMusicCacheWhere     = "-# %s · %d active sessions"
	MsgMusicBuffGranted    = "✨ Gave <@%s> **%s** for %s."
	MsgMusicBuffUnknown    = "❌ Unknown item **%s**."
	MsgMusicProfileMissing = "❌ <@%s> has no profile."
	MsgMusicAdminOnly      = "🔒 Only bot admins can do that."
	MsgMusicNotYourSearch  = "🔒 Only the person who searched can pick."
	MsgMusicSearchClosed   = "✅ Search closed."

	// Command log
	MsgMusicCommand    = "%s used /music %s in guild %s"
	MsgMusicDenied     = "%s was refused music: %s"
	MsgMusicAdminUsed  = "%s used /musicadmin %s"
	MsgMusicReplyFail  = "Failed to answer interaction: %v"
	MsgMusicParserFail = "Failed to initialize naturaltime parser: %v"
)
