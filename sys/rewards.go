package sys

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed rewards.toml
var defaultRewards []byte

// RewardTable holds the tuning for listening rewards, the buff item catalog
// and the cultivation rank ladder.
type RewardTable struct {
	Accrual AccrualConfig `toml:"accrual"`
	Bonus   BonusConfig   `toml:"bonus"`
	Items   []BuffItem    `toml:"items"`
	Ranks   []Rank        `toml:"ranks"`
}

type AccrualConfig struct {
	BaseRateMin        float64 `toml:"base_rate_min"`
	BaseRateMax        float64 `toml:"base_rate_max"`
	StreakStep         int     `toml:"streak_step"`
	StreakBonusPerStep float64 `toml:"streak_bonus_per_step"`
	StreakBonusCap     float64 `toml:"streak_bonus_cap"`
}

type BonusConfig struct {
	Chance        float64 `toml:"chance"`
	StreakLuckCap int     `toml:"streak_luck_cap"`
	Min           int     `toml:"min"`
	Max           int     `toml:"max"`
}

type BuffItem struct {
	ID       string   `toml:"id"`
	Name     string   `toml:"name"`
	Emoji    string   `toml:"emoji"`
	Kind     BuffKind `toml:"kind"`
	Value    float64  `toml:"value"`
	Duration string   `toml:"duration"`
}

// TTL parses the item's duration. Invalid durations were rejected at load time.
func (b BuffItem) TTL() time.Duration {
	d, _ := time.ParseDuration(b.Duration)
	return d
}

type Rank struct {
	Name  string `toml:"name"`
	Min   int    `toml:"min"`
	Emoji string `toml:"emoji"`
}

// DefaultRewards returns the embedded reward table.
func DefaultRewards() *RewardTable {
	var t RewardTable
	if err := toml.Unmarshal(defaultRewards, &t); err != nil {
		panic(fmt.Sprintf("failed to parse embedded reward table: %v", err))
	}
	t.sortRanks()
	return &t
}

// LoadRewards reads a reward table from path, or the embedded default when path is empty.
func LoadRewards(path string) (*RewardTable, error) {
	if path == "" {
		return DefaultRewards(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read reward table: %w", err)
	}

	t := DefaultRewards()
	if err := toml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("failed to parse reward table: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	t.sortRanks()
	return t, nil
}

func (t *RewardTable) Validate() error {
	a := t.Accrual
	if a.BaseRateMin < 0 || a.BaseRateMax < a.BaseRateMin {
		return fmt.Errorf("reward table: base rate range [%v, %v] is invalid", a.BaseRateMin, a.BaseRateMax)
	}
	if a.StreakStep < 1 {
		return fmt.Errorf("reward table: streak_step must be at least 1")
	}
	if t.Bonus.Chance < 0 || t.Bonus.Chance > 1 {
		return fmt.Errorf("reward table: bonus chance %v outside [0, 1]", t.Bonus.Chance)
	}
	if t.Bonus.Max < t.Bonus.Min {
		return fmt.Errorf("reward table: bonus range [%d, %d] is invalid", t.Bonus.Min, t.Bonus.Max)
	}
	for _, it := range t.Items {
		if _, err := time.ParseDuration(it.Duration); err != nil {
			return fmt.Errorf("reward table: item %s: %w", it.ID, err)
		}
		if it.Kind != BuffMusicExp && it.Kind != BuffLuck {
			return fmt.Errorf("reward table: item %s has unknown kind %q", it.ID, it.Kind)
		}
	}
	return nil
}

func (t *RewardTable) sortRanks() {
	sort.Slice(t.Ranks, func(i, j int) bool { return t.Ranks[i].Min < t.Ranks[j].Min })
}

// StreakBonus is the exp multiplier bonus earned from the daily streak.
func (t *RewardTable) StreakBonus(streak int) float64 {
	if streak <= 0 {
		return 0
	}
	b := float64(streak/t.Accrual.StreakStep) * t.Accrual.StreakBonusPerStep
	return min(t.Accrual.StreakBonusCap, b)
}

// Item looks up a buff item by id.
func (t *RewardTable) Item(id string) (BuffItem, bool) {
	for _, it := range t.Items {
		if it.ID == id {
			return it, true
		}
	}
	return BuffItem{}, false
}

// RankFor returns the highest rank whose threshold the layer reaches.
func (t *RewardTable) RankFor(layer int) Rank {
	rank := Rank{Name: "Phàm Nhân", Min: 1}
	for _, r := range t.Ranks {
		if layer >= r.Min {
			rank = r
		}
	}
	return rank
}
