package proc

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/leeineian/thienlam/sys"
)

// Rewards turns listening time into cultivation exp and spirit stones.
type Rewards struct {
	table *sys.RewardTable

	mu  sync.Mutex
	rng *rand.Rand
}

func NewRewards(table *sys.RewardTable) *Rewards {
	return NewRewardsWithSource(table, rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

// NewRewardsWithSource uses src for every roll, for reproducible results.
func NewRewardsWithSource(table *sys.RewardTable, src rand.Source) *Rewards {
	if table == nil {
		table = sys.DefaultRewards()
	}
	return &Rewards{table: table, rng: rand.New(src)}
}

func (r *Rewards) Table() *sys.RewardTable { return r.table }

// Multiplier is the exp multiplier from the daily streak and active buffs.
func (r *Rewards) Multiplier(p *sys.Profile, now time.Time) float64 {
	m := 1.0
	if p != nil {
		m += r.table.StreakBonus(p.DailyStreak)
	}
	return m + p.BuffValue(sys.BuffMusicExp, now)
}

// LuckPercent raises the spirit stone drop chance.
func (r *Rewards) LuckPercent(p *sys.Profile, now time.Time) float64 {
	if p == nil {
		return 0
	}
	return float64(min(r.table.Bonus.StreakLuckCap, p.DailyStreak)) + p.BuffValue(sys.BuffLuck, now)
}

// Accrue rewards delta of listening time. Each call is one roll for a stone drop.
func (r *Rewards) Accrue(p *sys.Profile, delta time.Duration, now time.Time) (exp float64, stones int64) {
	if delta <= 0 {
		return 0, 0
	}
	a, b := r.table.Accrual, r.table.Bonus

	r.mu.Lock()
	defer r.mu.Unlock()

	base := a.BaseRateMin + r.rng.Float64()*(a.BaseRateMax-a.BaseRateMin)
	exp = base * r.Multiplier(p, now) * delta.Seconds()

	chance := b.Chance * (1 + r.LuckPercent(p, now)/100)
	if r.rng.Float64() < chance {
		stones = int64(b.Min + r.rng.IntN(b.Max-b.Min+1))
	}
	return exp, stones
}
