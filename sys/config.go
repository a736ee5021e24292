package sys

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Token        string
	GuildID      string
	DatabasePath string
	OwnerIDs     []string
	AdminIDs     []string
	Silent       bool

	// Music
	AllowedChannelIDs  []string
	CacheDir           string
	CacheKeep          int
	CacheSweepInterval time.Duration
	DisplayInterval    time.Duration
	AcquireTimeout     time.Duration
	YoutubeProxy       string
	MusicMinLayer      int
	MusicMinStreak     int
	RewardsPath        string
}

var GlobalConfig *Config

// Validate ensures the configuration is valid and meets requirements.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf(MsgConfigMissingToken)
	}

	// Basic Snowflake validation for GuildID if provided
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf(MsgConfigInvalidGuild)
	}

	if c.CacheKeep < 1 {
		return fmt.Errorf(MsgConfigInvalidValue, "CACHE_KEEP", c.CacheKeep)
	}
	if c.DisplayInterval < time.Second {
		return fmt.Errorf(MsgConfigInvalidValue, "DISPLAY_INTERVAL", c.DisplayInterval)
	}

	return nil
}

// IsAdmin reports whether the user is listed in ADMIN_IDS or OWNER_IDS.
func (c *Config) IsAdmin(userID string) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	for _, id := range c.OwnerIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ChannelAllowed reports whether music commands may be used in the channel.
// An empty allow-list permits every channel.
func (c *Config) ChannelAllowed(channelID string) bool {
	if len(c.AllowedChannelIDs) == 0 {
		return true
	}
	for _, id := range c.AllowedChannelIDs {
		if id == channelID {
			return true
		}
	}
	return false
}

func LoadConfig() (*Config, error) {
	_ = godotenv.Load() // Ignore error if .env doesn't exist

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		folder := "."
		if info, err := os.Stat("data"); err == nil && info.IsDir() {
			folder = "./data"
		}
		dbPath = filepath.Join(folder, GetProjectName()+".db")
	}

	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		cacheDir = "downloads"
	}

	silent, _ := strconv.ParseBool(os.Getenv("SILENT"))

	cfg := &Config{
		Token:              os.Getenv("DISCORD_TOKEN"),
		GuildID:            os.Getenv("GUILD_ID"),
		DatabasePath:       dbPath,
		OwnerIDs:           splitList(os.Getenv("OWNER_IDS")),
		AdminIDs:           splitList(os.Getenv("ADMIN_IDS")),
		Silent:             silent,
		AllowedChannelIDs:  splitList(os.Getenv("ALLOWED_CHANNEL_IDS")),
		CacheDir:           cacheDir,
		CacheKeep:          envInt("CACHE_KEEP", 5),
		CacheSweepInterval: envDuration("CACHE_SWEEP_INTERVAL", 10*time.Minute),
		DisplayInterval:    envDuration("DISPLAY_INTERVAL", 2*time.Second),
		AcquireTimeout:     envDuration("ACQUIRE_TIMEOUT", 5*time.Minute),
		YoutubeProxy:       os.Getenv("YOUTUBE_PROXY"),
		MusicMinLayer:      envInt("MUSIC_MIN_LAYER", 50),
		MusicMinStreak:     envInt("MUSIC_MIN_STREAK", 2),
		RewardsPath:        os.Getenv("REWARDS_CONFIG"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "bot"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") || strings.HasSuffix(projectName, ".test") {
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		LogWarn(MsgConfigBadEnv, key, v)
		return def
	}
	return n
}

// envDuration accepts Go durations ("90s", "2m") or a bare number of seconds.
func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	LogWarn(MsgConfigBadEnv, key, v)
	return def
}
