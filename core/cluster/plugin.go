package cluster

import (
	"fmt"
	"log/slog"
)

type (
	// Plugin extends a Manager. Build typically subscribes to the manager's
	// lifecycle events.
	Plugin interface {
		Name() string
		Build(m *Manager) error
	}

	// LivenessTracker is told about heartbeat acks and about clusters whose
	// worker stopped, so it stops probing them.
	LivenessTracker interface {
		Ack(c *Cluster, probeID string)
		Untrack(c *Cluster)
	}
)

// Extend builds plugins and installs each under its name.
func (m *Manager) Extend(plugins ...Plugin) error {
	for _, p := range plugins {
		m.mu.Lock()
		_, dup := m.plugins[p.Name()]
		m.mu.Unlock()
		if dup {
			return fmt.Errorf("%w: plugin %q already installed", ErrConfig, p.Name())
		}
		if err := p.Build(m); err != nil {
			return fmt.Errorf("build plugin %s: %w", p.Name(), err)
		}
		m.mu.Lock()
		m.plugins[p.Name()] = p
		m.mu.Unlock()
		m.Debug("plugin installed", slog.String("plugin", p.Name()))
	}
	return nil
}

func (m *Manager) Plugin(name string) (Plugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plugins[name]
	return p, ok
}

// SetLiveness installs the tracker receiving heartbeat acks.
func (m *Manager) SetLiveness(t LivenessTracker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liveness = t
}

func (m *Manager) livenessTracker() LivenessTracker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.liveness
}

func (m *Manager) untrack(c *Cluster) {
	if t := m.livenessTracker(); t != nil {
		t.Untrack(c)
	}
}
