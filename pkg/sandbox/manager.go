package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/beam-cloud/handoff/pkg/types"
	"github.com/rs/zerolog/log"
)

const (
	controlProbeAttempts = 10
	controlProbeDelay    = 2 * time.Second
)

// Handle is an exclusive, passable reference to one sandbox instance.
// Callers that share a handle across delegations retain it; teardown runs
// once, when the last holder releases, and stops only instances this
// process spawned.
type Handle struct {
	InstanceID string
	RuntimeURL string
	DebugURL   string
	Reused     bool

	provider Provider
	cleanup  bool

	mu       sync.Mutex
	refs     int
	released bool
}

// Exec runs a shell command inside the handle's instance
func (h *Handle) Exec(ctx context.Context, command string) (*ExecResult, error) {
	return h.provider.Exec(ctx, h.InstanceID, command)
}

// Retain adds a holder. Every Retain needs a matching Release.
func (h *Handle) Retain() {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
}

// Release drops one holder; the final release stops a newly spawned
// instance when cleanup is enabled. Reused instances are always left
// running, since a sibling delegation may continue in the same workspace.
func (h *Handle) Release(ctx context.Context) {
	h.mu.Lock()
	h.refs--
	if h.refs > 0 || h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()

	if h.Reused || !h.cleanup {
		log.Debug().
			Str("instance_id", h.InstanceID).
			Bool("reused", h.Reused).
			Msg("leaving sandbox instance running")
		return
	}

	if err := h.provider.Stop(ctx, h.InstanceID); err != nil {
		log.Warn().Err(err).Str("instance_id", h.InstanceID).Msg("failed to stop sandbox instance")
		return
	}
	log.Info().Str("instance_id", h.InstanceID).Msg("stopped sandbox instance")
}

// Manager acquires sandbox instances for delegations
type Manager struct {
	provider   Provider
	config     types.SandboxConfig
	httpClient *http.Client

	probeAttempts int
	probeDelay    time.Duration
}

func NewManager(provider Provider, cfg types.SandboxConfig) *Manager {
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = 60 * time.Second
	}
	return &Manager{
		provider:      provider,
		config:        cfg,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		probeAttempts: controlProbeAttempts,
		probeDelay:    controlProbeDelay,
	}
}

// Acquire attaches to a running instance when existingID is set, otherwise
// spawns a fresh one from the latest golden snapshot. In both cases the
// in-sandbox control surface is probed until it answers; the returned
// handle carries one reference.
func (m *Manager) Acquire(ctx context.Context, existingID string) (*Handle, error) {
	var instance *Instance
	var err error
	reused := existingID != ""

	if reused {
		log.Info().Str("instance_id", existingID).Msg("attaching to existing sandbox instance")
		instance, err = m.provider.Get(ctx, existingID)
		if err != nil {
			return nil, fmt.Errorf("attach to instance %s: %w", existingID, err)
		}
	} else {
		log.Info().Str("snapshot_id", m.config.SnapshotID).Msg("starting sandbox instance")
		instance, err = m.provider.Start(ctx, m.config.SnapshotID, m.config.TTLSeconds)
		if err != nil {
			return nil, fmt.Errorf("start instance: %w", err)
		}

		instance, err = m.provider.WaitUntilReady(ctx, instance.ID, m.config.ReadyTimeout)
		if err != nil {
			return nil, fmt.Errorf("instance never became ready: %w", err)
		}
	}

	runtimeURL := instance.Service(m.config.RuntimeServiceName)
	if runtimeURL == "" {
		// A handle without a runtime endpoint is useless; don't leak a
		// fresh instance behind the error.
		if !reused {
			m.stopQuietly(ctx, instance.ID)
		}
		return nil, fmt.Errorf("instance %s exposes no %q service", instance.ID, m.config.RuntimeServiceName)
	}

	if err := m.probeControl(ctx, runtimeURL); err != nil {
		if !reused {
			m.stopQuietly(ctx, instance.ID)
		}
		return nil, fmt.Errorf("instance %s control surface unreachable: %w", instance.ID, err)
	}

	handle := &Handle{
		InstanceID: instance.ID,
		RuntimeURL: runtimeURL,
		DebugURL:   instance.Service(m.config.DebugServiceName),
		Reused:     reused,
		provider:   m.provider,
		cleanup:    m.config.CleanupOnRelease,
		refs:       1,
	}

	log.Info().
		Str("instance_id", handle.InstanceID).
		Str("runtime_url", handle.RuntimeURL).
		Bool("reused", reused).
		Msg("sandbox instance acquired")

	return handle, nil
}

// probeControl polls the control endpoint with a fixed number of
// bounded-backoff attempts; exhausting them is a hard error.
func (m *Manager) probeControl(ctx context.Context, runtimeURL string) error {
	healthURL := strings.TrimRight(runtimeURL, "/") + "/health"

	var lastErr error
	for attempt := 0; attempt < m.probeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.probeDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
		if err != nil {
			return err
		}

		resp, err := m.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			return nil
		}
		lastErr = fmt.Errorf("control endpoint answered %d", resp.StatusCode)
	}

	return fmt.Errorf("control endpoint not ready after %d attempts: %w", m.probeAttempts, lastErr)
}

func (m *Manager) stopQuietly(ctx context.Context, instanceID string) {
	if !m.config.CleanupOnRelease {
		return
	}
	if err := m.provider.Stop(ctx, instanceID); err != nil {
		log.Warn().Err(err).Str("instance_id", instanceID).Msg("failed to stop half-provisioned instance")
	}
}
