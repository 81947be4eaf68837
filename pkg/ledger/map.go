// 文件: pkg/ledger/map.go
// 带撤销日志的容器
//
// Map/Value 里存的必须是值类型 (或不可变引用，如 num.Int)，
// 撤销时直接把旧值放回去

package ledger

import "sort"

// ChangeFunc 提交后回调: key、最终值、是否已删除
type ChangeFunc[K comparable, V any] func(k K, v V, deleted bool)

// Map 事务化的 map
type Map[K comparable, V any] struct {
	m        map[K]V
	onChange ChangeFunc[K, V]
}

func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{m: make(map[K]V)}
}

// OnChange 注册提交回调 (用于持久化)
func (m *Map[K, V]) OnChange(fn ChangeFunc[K, V]) {
	m.onChange = fn
}

func (m *Map[K, V]) Get(k K) (V, bool) {
	v, ok := m.m[k]
	return v, ok
}

// GetOr 不存在时返回 def
func (m *Map[K, V]) GetOr(k K, def V) V {
	if v, ok := m.m[k]; ok {
		return v
	}
	return def
}

func (m *Map[K, V]) Has(k K) bool {
	_, ok := m.m[k]
	return ok
}

func (m *Map[K, V]) Len() int { return len(m.m) }

// Set 写入并登记撤销动作
func (m *Map[K, V]) Set(tx *Tx, k K, v V) {
	old, existed := m.m[k]
	tx.OnUndo(func() {
		if existed {
			m.m[k] = old
		} else {
			delete(m.m, k)
		}
	})
	m.m[k] = v
	m.touch(tx, k)
}

// Delete 删除并登记撤销动作
func (m *Map[K, V]) Delete(tx *Tx, k K) {
	old, existed := m.m[k]
	if !existed {
		return
	}
	tx.OnUndo(func() { m.m[k] = old })
	delete(m.m, k)
	m.touch(tx, k)
}

func (m *Map[K, V]) touch(tx *Tx, k K) {
	if m.onChange == nil {
		return
	}
	tx.markDirty(m, k, func() {
		v, ok := m.m[k]
		m.onChange(k, v, !ok)
	})
}

// Range 遍历 (顺序不确定)，fn 返回 false 停止
func (m *Map[K, V]) Range(fn func(k K, v V) bool) {
	for k, v := range m.m {
		if !fn(k, v) {
			return
		}
	}
}

// Keys 按 less 排序后的 key 列表，需要确定性顺序时使用
func (m *Map[K, V]) Keys(less func(a, b K) bool) []K {
	keys := make([]K, 0, len(m.m))
	for k := range m.m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
	return keys
}

// Value 事务化的单值
type Value[V any] struct {
	v        V
	onChange func(v V)
}

func NewValue[V any](init V) *Value[V] {
	return &Value[V]{v: init}
}

func (s *Value[V]) OnChange(fn func(v V)) {
	s.onChange = fn
}

func (s *Value[V]) Get() V { return s.v }

func (s *Value[V]) Set(tx *Tx, v V) {
	old := s.v
	tx.OnUndo(func() { s.v = old })
	s.v = v
	if s.onChange != nil {
		tx.markDirty(s, struct{}{}, func() { s.onChange(s.v) })
	}
}
