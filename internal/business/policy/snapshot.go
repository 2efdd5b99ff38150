package policy

import (
	"encoding/json"
	"fmt"
	"time"

	"oip/recon/internal/business/triage"
)

// tableVersion 持久化格式版本
const tableVersion = 1

// Entry 单个离散状态的策略值
type Entry struct {
	Values         []float64 `json:"values"`          // 按 triage.Destinations 顺序的动作价值
	SeverityAdjust float64   `json:"severity_adjust"` // 学到的严重度修正
	Visits         int       `json:"visits"`          // 更新次数
}

func newEntry() *Entry {
	return &Entry{Values: make([]float64, len(triage.Destinations))}
}

func (e *Entry) clone() Entry {
	values := make([]float64, len(triage.Destinations))
	copy(values, e.Values)
	return Entry{Values: values, SeverityAdjust: e.SeverityAdjust, Visits: e.Visits}
}

// value 动作价值，未知目的地为 0
func (e Entry) value(d triage.Destination) float64 {
	idx := triage.DestinationIndex(d)
	if idx < 0 || idx >= len(e.Values) {
		return 0
	}
	return e.Values[idx]
}

// Snapshot 策略只读快照
// 创建后不再修改，可被任意 goroutine 并发读取
type Snapshot struct {
	entries        map[triage.StateKey]Entry
	overrideMargin float64
	minVisits      int
	updatedAt      time.Time
}

var _ triage.PolicyView = (*Snapshot)(nil)

// emptySnapshot 空策略：所有查询退化为静态规则
func emptySnapshot(cfg Config) *Snapshot {
	return &Snapshot{
		entries:        map[triage.StateKey]Entry{},
		overrideMargin: cfg.OverrideMargin,
		minVisits:      cfg.MinVisits,
	}
}

// Len 状态数量
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// UpdatedAt 最近一次更新时间
func (s *Snapshot) UpdatedAt() time.Time {
	return s.updatedAt
}

// Entry 读取状态的策略值（返回副本）
func (s *Snapshot) Entry(key triage.StateKey) (Entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// SeverityAdjustment 学到的严重度修正量
func (s *Snapshot) SeverityAdjustment(key triage.StateKey) float64 {
	return s.entries[key].SeverityAdjust
}

// PreferredDestination 在合法集合内挑价值最高的目的地
// 只有访问次数足够且领先静态目的地超过 margin 时才改写
func (s *Snapshot) PreferredDestination(key triage.StateKey, valid []triage.Destination, static triage.Destination) (triage.Destination, bool) {
	e, ok := s.entries[key]
	if !ok || e.Visits < s.minVisits {
		return "", false
	}

	best := static
	bestValue := e.value(static)
	for _, d := range valid {
		if v := e.value(d); v > bestValue {
			best, bestValue = d, v
		}
	}
	if best == static || bestValue-e.value(static) <= s.overrideMargin {
		return "", false
	}
	return best, true
}

// tableDoc 持久化文档
type tableDoc struct {
	Version int              `json:"version"`
	SavedAt time.Time        `json:"saved_at"`
	Entries map[string]Entry `json:"entries"`
}

// encodeTable 整表序列化为一个 JSON 文档
func encodeTable(entries map[triage.StateKey]*Entry, now time.Time) ([]byte, error) {
	doc := tableDoc{
		Version: tableVersion,
		SavedAt: now.UTC(),
		Entries: make(map[string]Entry, len(entries)),
	}
	for k, e := range entries {
		doc.Entries[k.String()] = e.clone()
	}
	return json.Marshal(doc)
}

// decodeTable 反序列化；任何一个条目不合法都视为整体失败
func decodeTable(data []byte) (map[triage.StateKey]*Entry, error) {
	var doc tableDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode policy table: %w", err)
	}
	if doc.Version != tableVersion {
		return nil, fmt.Errorf("unsupported policy table version %d", doc.Version)
	}

	out := make(map[triage.StateKey]*Entry, len(doc.Entries))
	for ks, e := range doc.Entries {
		key, err := triage.ParseStateKey(ks)
		if err != nil {
			return nil, err
		}
		if len(e.Values) != len(triage.Destinations) {
			return nil, fmt.Errorf("policy entry %s has %d values, want %d", ks, len(e.Values), len(triage.Destinations))
		}
		entry := e.clone()
		out[key] = &entry
	}
	return out, nil
}
