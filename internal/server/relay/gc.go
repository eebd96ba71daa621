package relay

import (
	"context"
	"time"
)

// Stats - размеры реестров
type Stats struct {
	Repositories int
	Apps         int
	Storages     int
}

// Evicted - сколько объектов вытеснено за один проход GC
type Evicted struct {
	Repositories int
	Apps         int
	Storages     int
}

func countMap(m interface{ Range(func(key, value any) bool) }) int {
	n := 0
	m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Stats returns current registry sizes
func (m *Manager) Stats() Stats {
	return Stats{
		Repositories: countMap(&m.repositories),
		Apps:         countMap(&m.apps),
		Storages:     countMap(&m.storages),
	}
}

// CollectGarbage evicts idle objects from memory. Durable data is not touched.
func (m *Manager) CollectGarbage() Evicted {
	m.gcMu.Lock()
	defer m.gcMu.Unlock()
	return m.collectGarbage()
}

// collectGarbage вызывается под gcMu.
// Порядок: storages, затем apps без живых storages, затем repositories без живых apps.
func (m *Manager) collectGarbage() Evicted {
	now := m.now()
	var evicted Evicted

	liveApps := make(map[*appEntry]bool)
	m.storages.Range(func(key, value any) bool {
		st := value.(*storageEntry)
		if st.idle(now, m.lifetime) {
			m.storages.Delete(key)
			evicted.Storages++
			return true
		}
		liveApps[st.app] = true
		return true
	})

	liveRepositories := make(map[string]bool)
	m.apps.Range(func(key, value any) bool {
		app := value.(*appEntry)
		if !liveApps[app] && app.idle(now, m.lifetime) {
			m.apps.Delete(key)
			evicted.Apps++
			return true
		}
		liveRepositories[app.repository.id] = true
		return true
	})

	m.repositories.Range(func(key, value any) bool {
		repo := value.(*repositoryEntry)
		if !liveRepositories[repo.id] && repo.idle(now, m.lifetime) {
			m.repositories.Delete(key)
			evicted.Repositories++
		}
		return true
	})

	if evicted != (Evicted{}) {
		m.logger.Debug("garbage collected",
			"storages", evicted.Storages,
			"apps", evicted.Apps,
			"repositories", evicted.Repositories,
		)
	}
	return evicted
}

// RunSweeper collects garbage every interval until ctx is done.
// Non-positive interval disables the sweeper: eviction then runs only before
// mutation-class operations.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CollectGarbage()
		}
	}
}
