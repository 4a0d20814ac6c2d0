package longterm

import (
	"context"
	"math"
	"time"
)

// decayCacheSize is the precomputed table size (spec §4.3:
// "decay_cache[1..30] = decay_factor^k").
const decayCacheSize = 30

// buildDecayCache precomputes decayFactor^k for k in [1, decayCacheSize].
func buildDecayCache(decayFactor float64) [decayCacheSize + 1]float64 {
	var cache [decayCacheSize + 1]float64
	for k := 1; k <= decayCacheSize; k++ {
		cache[k] = math.Pow(decayFactor, float64(k))
	}
	return cache
}

// decayFor returns decayFactor^days, using the precomputed table for
// days in [1,30] and falling back to pow beyond that (spec §4.3).
func (m *Manager) decayFor(days int) float64 {
	if days < 1 {
		days = 1
	}
	if days <= decayCacheSize {
		return m.decayCache[days]
	}
	return math.Pow(m.cfg.DecayFactor, float64(days))
}

// ApplyDecay recomputes activation for every memory based on elapsed time
// since last access, writing back only the memories whose activation
// actually changed (spec §4.3 "Decay"). LastAccessedAt is advanced to now
// whenever decay is applied, so a second call with the same now recomputes
// zero elapsed days and is a true no-op (spec.md "apply_decay(t) then
// apply_decay(t) (same t) is a no-op").
func (m *Manager) ApplyDecay(ctx context.Context, now time.Time) error {
	memories, err := m.store.AllMemories(ctx)
	if err != nil {
		return err
	}
	for _, mem := range memories {
		days := int(math.Floor(now.Sub(mem.LastAccessedAt).Hours() / 24))
		if days < 1 {
			continue
		}
		newActivation := mem.Activation * m.decayFor(days)
		mem.Activation = newActivation
		mem.LastAccessedAt = now
		if err := m.scheduler.WriteMemory(ctx, mem); err != nil {
			log.Warnf("decay write-back for memory %s: %v", mem.ID, err)
		}
	}
	return nil
}

// Forget deletes memories below both the activation and importance
// protection thresholds (spec §4.3 "forget(thresholds)").
func (m *Manager) Forget(ctx context.Context, activationThreshold, importanceProtection float64) (int, error) {
	memories, err := m.store.AllMemories(ctx)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, mem := range memories {
		if mem.Activation >= activationThreshold || mem.Importance >= importanceProtection {
			continue
		}
		if err := m.store.DeleteMemory(ctx, mem.ID); err != nil {
			log.Warnf("forget: delete memory %s: %v", mem.ID, err)
			continue
		}
		deleted++
	}
	return deleted, nil
}
