// 文件: pkg/liquidation/index.go
// 监控名单 - Copy-on-Write Map
//
// 读多写少: 快速检查每个 tick 都要读名单，全量扫描才整体替换一次。
// 读操作无锁 (原子加载指针)，写操作复制后原子替换

package liquidation

import (
	"sort"
	"sync"
	"sync/atomic"

	"max.com/perpcore/pkg/futures"
)

// Watchlist 处于预警 / 危险等级的账户
type Watchlist struct {
	data    atomic.Pointer[map[string]AccountRiskData]
	writeMu sync.Mutex
}

func NewWatchlist() *Watchlist {
	w := &Watchlist{}
	empty := make(map[string]AccountRiskData)
	w.data.Store(&empty)
	return w
}

// =============================================================================
// 读 (无锁)
// =============================================================================

func (w *Watchlist) Get(account string) (AccountRiskData, bool) {
	d, ok := (*w.data.Load())[account]
	return d, ok
}

func (w *Watchlist) Contains(account string) bool {
	_, ok := w.Get(account)
	return ok
}

func (w *Watchlist) Len() int {
	return len(*w.data.Load())
}

// Accounts 名单里的账户，危险等级在前
func (w *Watchlist) Accounts() []string {
	current := *w.data.Load()
	all := make([]AccountRiskData, 0, len(current))
	for _, d := range current {
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Level != all[j].Level {
			return all[i].Level > all[j].Level
		}
		return all[i].Account < all[j].Account
	})
	out := make([]string, len(all))
	for i, d := range all {
		out[i] = d.Account
	}
	return out
}

// ByLevel 指定等级的账户
func (w *Watchlist) ByLevel(level futures.RiskLevel) []AccountRiskData {
	var out []AccountRiskData
	for _, d := range *w.data.Load() {
		if d.Level == level {
			out = append(out, d)
		}
	}
	return out
}

// ByAsset 持有某资产的监控账户 (行情变化时只查这些)
func (w *Watchlist) ByAsset(asset string) []string {
	var out []string
	for _, d := range *w.data.Load() {
		for _, a := range d.Assets {
			if a == asset {
				out = append(out, d.Account)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// 写 (复制后替换)
// =============================================================================

// Update 应用一批评估结果: 预警 / 危险入名单，其它等级移出
func (w *Watchlist) Update(results []AccountRiskData) {
	w.apply(func(m map[string]AccountRiskData) {
		for _, d := range results {
			if watched(d.Level) {
				m[d.Account] = d
			} else {
				delete(m, d.Account)
			}
		}
	})
}

// Replace 全量扫描后整体替换
func (w *Watchlist) Replace(results []AccountRiskData) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	next := make(map[string]AccountRiskData, len(results))
	for _, d := range results {
		if watched(d.Level) {
			next[d.Account] = d
		}
	}
	w.data.Store(&next)
}

func (w *Watchlist) Remove(accounts ...string) {
	w.apply(func(m map[string]AccountRiskData) {
		for _, a := range accounts {
			delete(m, a)
		}
	})
}

func (w *Watchlist) apply(fn func(m map[string]AccountRiskData)) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	old := *w.data.Load()
	next := make(map[string]AccountRiskData, len(old))
	for k, v := range old {
		next[k] = v
	}
	fn(next)
	w.data.Store(&next)
}

func watched(level futures.RiskLevel) bool {
	return level == futures.RiskLevelWarning || level == futures.RiskLevelDanger
}
