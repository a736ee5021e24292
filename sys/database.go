package sys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/mattn/go-sqlite3"
)

// --- Connection & Lifecycle ---

var DB *sql.DB

// ErrProfileNotFound is returned when the user never registered with the game.
var ErrProfileNotFound = errors.New("profile not found")

func InitDatabase(ctx context.Context, dataSourceName string) error {
	// The driver registers itself via its init() function
	_ = sqlite3.SQLiteDriver{}

	if dir := filepath.Dir(dataSourceName); dir != "." && dir != "" && !strings.HasPrefix(dataSourceName, "file:") {
		_ = os.MkdirAll(dir, 0755)
	}

	var err error
	DB, err = sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return err
	}

	DB.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := DB.ExecContext(initCtx, p); err != nil {
			return fmt.Errorf(MsgDatabasePragmaError, p, err)
		}
	}

	tx, err := DB.BeginTx(initCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			layer INTEGER NOT NULL DEFAULT 1,
			exp INTEGER NOT NULL DEFAULT 0,
			spirit_stones INTEGER NOT NULL DEFAULT 0,
			daily_streak INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS user_buffs (
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			value REAL NOT NULL,
			expires_at DATETIME NOT NULL,
			PRIMARY KEY (user_id, kind)
		)`,
		`CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			return fmt.Errorf(MsgDatabaseTableError, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	migrations := []string{
		"ALTER TABLE users ADD COLUMN music_seconds INTEGER NOT NULL DEFAULT 0",
	}

	for _, m := range migrations {
		if _, err := DB.ExecContext(initCtx, m); err != nil {
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf(MsgDatabaseMigrateError, err)
			}
		}
	}

	LogDatabase(MsgDatabaseInitSuccess)
	return nil
}

func CloseDatabase() {
	if DB != nil {
		DB.Close()
	}
}

// --- Bot Persistence ---

// BotConfig helpers are used by the loader for mode tracking and state.
func GetBotConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func SetBotConfig(ctx context.Context, key, value string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO bot_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// --- Profiles ---

type BuffKind string

const (
	BuffMusicExp BuffKind = "music_exp"
	BuffLuck     BuffKind = "luck"
)

type Buff struct {
	Kind      BuffKind
	Value     float64
	ExpiresAt time.Time
}

type Profile struct {
	ID           snowflake.ID
	Name         string
	Layer        int
	Exp          int64
	Currency     int64
	DailyStreak  int
	MusicSeconds int64
	Buffs        []Buff
}

// BuffValue returns the value of the active buff of the given kind, or 0.
func (p *Profile) BuffValue(kind BuffKind, now time.Time) float64 {
	if p == nil {
		return 0
	}
	for _, b := range p.Buffs {
		if b.Kind == kind && now.Before(b.ExpiresAt) {
			return b.Value
		}
	}
	return 0
}

func GetUser(ctx context.Context, userID snowflake.ID) (*Profile, error) {
	p := &Profile{ID: userID}
	err := DB.QueryRowContext(ctx, `
		SELECT name, layer, exp, spirit_stones, daily_streak, music_seconds
		FROM users WHERE user_id = ?
	`, userID.String()).Scan(&p.Name, &p.Layer, &p.Exp, &p.Currency, &p.DailyStreak, &p.MusicSeconds)
	if err == sql.ErrNoRows {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := DB.QueryContext(ctx, `
		SELECT kind, value, expires_at FROM user_buffs
		WHERE user_id = ? AND expires_at > ?
	`, userID.String(), time.Now().UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var b Buff
		var kind string
		if err := rows.Scan(&kind, &b.Value, &b.ExpiresAt); err != nil {
			continue
		}
		b.Kind = BuffKind(kind)
		p.Buffs = append(p.Buffs, b)
	}
	return p, rows.Err()
}

// AddRewards adds listening rewards on top of the stored totals in one
// statement, so concurrent flushes for the same user never overwrite each other.
func AddRewards(ctx context.Context, userID snowflake.ID, exp, stones, secs int64) error {
	res, err := DB.ExecContext(ctx, `
		UPDATE users
		SET exp = exp + ?, spirit_stones = spirit_stones + ?, music_seconds = music_seconds + ?
		WHERE user_id = ?
	`, exp, stones, secs, userID.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProfileNotFound
	}
	return nil
}

// GrantBuff applies a buff, replacing any active buff of the same kind.
func GrantBuff(ctx context.Context, userID snowflake.ID, b Buff) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO user_buffs (user_id, kind, value, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, kind) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, userID.String(), string(b.Kind), b.Value, b.ExpiresAt.UTC())
	return err
}

// PurgeExpiredBuffs removes buffs past their expiry and returns how many were dropped.
func PurgeExpiredBuffs(ctx context.Context) (int64, error) {
	res, err := DB.ExecContext(ctx, "DELETE FROM user_buffs WHERE expires_at <= ?", time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Profiles exposes the package-level database as a profile store.
type Profiles struct{}

func (Profiles) GetUser(ctx context.Context, userID snowflake.ID) (*Profile, error) {
	return GetUser(ctx, userID)
}

func (Profiles) AddRewards(ctx context.Context, userID snowflake.ID, exp, stones, secs int64) error {
	return AddRewards(ctx, userID, exp, stones, secs)
}
