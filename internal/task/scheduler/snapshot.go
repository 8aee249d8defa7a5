package scheduler

import "sort"

// Snapshot reports schedules ordered by name, with engine counters and
// recent run history.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:   s.cfg.Enabled,
		Started:   s.cr != nil,
		Timezone:  s.loc.String(),
		Schedules: make([]ScheduleInfo, 0, len(s.entries)),
		History:   []HistoryItem{},
	}
	for _, e := range s.entries {
		info := ScheduleInfo{Name: e.name, Spec: e.spec, Timeout: e.timeout, Running: e.gate.Running()}
		if s.cr != nil && e.id != 0 {
			ce := s.cr.Entry(e.id)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		snap.Schedules = append(snap.Schedules, info)
	}
	s.mu.Unlock()

	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].Name < snap.Schedules[j].Name })
	if s.engine != nil {
		es := s.engine.Snapshot()
		snap.InFlight, snap.Skipped, snap.History = es.InFlight, es.Skipped, es.History
	}
	return snap
}
