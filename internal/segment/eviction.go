package segment

import "time"

// SweepResult summarizes one pass of the eviction sweep.
type SweepResult struct {
	SegmentsEvicted int
	EpochsRemoved   int
}

// Sweep applies the eviction policy once. Open evict-after-window epochs are
// trimmed down to the keep-count (never touching segments younger than the
// grace window, so a reader mid-stream cannot lose the segment under it).
// Frozen epochs keep everything until the grace window after freeze has
// elapsed, then trim the same way, and disappear entirely once the epoch TTL
// passes. Retain-for-replay epochs are never trimmed while open or leased;
// the archival TTL is the backstop for leases that are never given back.
func (s *Store) Sweep() SweepResult {
	now := s.now()

	s.mu.Lock()
	epochs := make([]*Epoch, 0, len(s.epochs))
	for _, epoch := range s.epochs {
		epochs = append(epochs, epoch)
	}
	s.mu.Unlock()

	var result SweepResult
	var remove []string
	for _, epoch := range epochs {
		frozenAt := epoch.frozenAt.Load()
		leased := epoch.leases.Load() > 0

		// Retain-for-replay epochs keep every segment until the assembler
		// releases its lease. While the session is still publishing no lease
		// exists yet, so the retention mode alone exempts them.
		if epoch.retention == RetentionReplay && (!epoch.frozen.Load() || leased) {
			if epoch.frozen.Load() && frozenAt != nil && now.Sub(*frozenAt) >= s.cfg.ArchivalTTL {
				remove = append(remove, epoch.sessionID)
			}
			continue
		}

		if epoch.frozen.Load() && frozenAt != nil {
			age := now.Sub(*frozenAt)
			if leased {
				if age >= s.cfg.ArchivalTTL {
					remove = append(remove, epoch.sessionID)
				}
				continue
			}
			if age >= s.cfg.EpochTTL {
				remove = append(remove, epoch.sessionID)
				continue
			}
			if age < s.cfg.GraceWindow {
				continue
			}
		}
		result.SegmentsEvicted += s.trimEpoch(epoch, now)
	}

	if len(remove) > 0 {
		s.mu.Lock()
		for _, sessionID := range remove {
			if _, ok := s.epochs[sessionID]; ok {
				delete(s.epochs, sessionID)
				result.EpochsRemoved++
			}
		}
		s.mu.Unlock()
	}
	return result
}

// trimEpoch drops the payload of segments beyond the keep-count, oldest
// first, skipping any segment still inside the grace window. The manifest
// refs stay so numbering remains contiguous; only the bytes are freed.
func (s *Store) trimEpoch(epoch *Epoch, now time.Time) int {
	epoch.appendMu.Lock()
	defer epoch.appendMu.Unlock()

	current := epoch.snapshot.Load()
	total := len(current.entries)
	excess := total - s.cfg.KeepCount - current.evictedBefore
	if excess <= 0 {
		return 0
	}

	floor := current.evictedBefore
	for i := current.evictedBefore; i < current.evictedBefore+excess; i++ {
		if now.Sub(current.entries[i].ref.WrittenAt) < s.cfg.GraceWindow {
			break
		}
		floor = i + 1
	}
	if floor == current.evictedBefore {
		return 0
	}

	next := &manifest{
		entries:       make([]entry, total),
		evictedBefore: floor,
	}
	copy(next.entries, current.entries)
	for i := current.evictedBefore; i < floor; i++ {
		next.entries[i].data = nil
	}
	epoch.snapshot.Store(next)
	return floor - current.evictedBefore
}
