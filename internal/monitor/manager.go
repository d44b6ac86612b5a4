// Package monitor supervises the live-ingest worker. At most one streamer is
// monitored at a time; while the worker runs, search is gated off because
// ingest owns the vector index write path.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mkrz/vodhound/internal/config"
	"github.com/mkrz/vodhound/internal/embed"
	"github.com/mkrz/vodhound/internal/ingest"
	"github.com/mkrz/vodhound/internal/log"
	"github.com/mkrz/vodhound/internal/media"
	"github.com/mkrz/vodhound/internal/source"
	"github.com/mkrz/vodhound/internal/store"
	"github.com/mkrz/vodhound/internal/twitch"
	"github.com/mkrz/vodhound/internal/vector"
)

// ErrConflict is returned when Start names a different streamer than the one
// already being monitored.
var ErrConflict = errors.New("monitor already running for another streamer")

// States of the monitor worker.
const (
	StateIdle      = "idle"
	StatePolling   = "polling"
	StateIngesting = "ingesting"
	StateError     = "error"
)

var stateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "vodhound_monitor_state",
	Help: "Current monitor state (1 for the active state, 0 otherwise)",
}, []string{"state"})

// Status is a point-in-time snapshot of the monitor.
type Status struct {
	State               string `json:"state"`
	Streamer            string `json:"streamer,omitempty"`
	IsLive              bool   `json:"is_live"`
	StartedAt           string `json:"started_at,omitempty"`
	LastCheckAt         string `json:"last_check_at,omitempty"`
	LastError           string `json:"last_error,omitempty"`
	CurrentVideoID      int64  `json:"current_video_id,omitempty"`
	CurrentVODURL       string `json:"current_vod_url,omitempty"`
	IngestCursorSeconds int    `json:"ingest_cursor_seconds"`
	LagSeconds          int    `json:"lag_seconds"`
}

// Manager runs the single monitor worker slot.
type Manager struct {
	cfg      config.Config
	store    *store.Store
	vectors  *vector.Store
	embedder embed.Embedder
	api      *twitch.Client
	ext      *media.Extractor

	mu          sync.Mutex
	state       string
	streamer    string
	startedAt   time.Time
	isLive      bool
	lastCheckAt time.Time
	lastError   string
	follower    *source.ArchiveFollower
	cancel      context.CancelFunc
	done        chan struct{}
}

// New builds an idle manager.
func New(cfg config.Config, st *store.Store, vecs *vector.Store, emb embed.Embedder, api *twitch.Client, ext *media.Extractor) *Manager {
	m := &Manager{
		cfg:      cfg,
		store:    st,
		vectors:  vecs,
		embedder: emb,
		api:      api,
		ext:      ext,
		state:    StateIdle,
	}
	m.publishState(StateIdle)
	return m
}

// CanSearch reports whether the search path may use the index. Only an idle
// monitor releases it.
func (m *Manager) CanSearch() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateIdle
}

// Status returns the current snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	st := Status{
		State:     m.state,
		Streamer:  m.streamer,
		IsLive:    m.isLive,
		LastError: m.lastError,
	}
	if !m.startedAt.IsZero() {
		st.StartedAt = m.startedAt.UTC().Format(time.RFC3339)
	}
	if !m.lastCheckAt.IsZero() {
		st.LastCheckAt = m.lastCheckAt.UTC().Format(time.RFC3339)
	}
	if m.follower != nil {
		st.CurrentVideoID = m.follower.VideoID()
		st.CurrentVODURL = m.follower.VODURL()
		st.IngestCursorSeconds = m.follower.CursorSeconds()
		st.LagSeconds = m.follower.LagSeconds()
	}
	return st
}

// Start launches the worker for a streamer. Starting the already-monitored
// streamer again is a no-op returning the current status; a different
// streamer while running is ErrConflict.
func (m *Manager) Start(streamer string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.api == nil {
		return m.statusLocked(), errors.New("live monitor is not configured: missing Twitch credentials")
	}
	if m.state != StateIdle {
		if m.streamer == streamer {
			return m.statusLocked(), nil
		}
		return m.statusLocked(), ErrConflict
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.streamer = streamer
	m.startedAt = time.Now()
	m.isLive = false
	m.lastCheckAt = time.Time{}
	m.lastError = ""
	m.follower = nil
	m.setStateLocked(StatePolling)

	go m.run(ctx, streamer, m.done)
	return m.statusLocked(), nil
}

// Stop cancels the worker and waits up to five seconds for it to exit, then
// resets to idle either way. The second return reports whether a worker was
// actually running.
func (m *Manager) Stop(ctx context.Context) (Status, bool) {
	m.mu.Lock()
	if m.state == StateIdle {
		st := m.statusLocked()
		m.mu.Unlock()
		return st, false
	}
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			mlog := log.WithComponent("monitor")
			mlog.Warn().Msg("worker did not stop within 5s, detaching")
		case <-ctx.Done():
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(StateIdle)
	m.streamer = ""
	m.isLive = false
	m.follower = nil
	m.cancel = nil
	m.done = nil
	return m.statusLocked(), true
}

func (m *Manager) setStateLocked(state string) {
	m.state = state
	m.publishState(state)
}

func (m *Manager) publishState(active string) {
	for _, s := range []string{StateIdle, StatePolling, StateIngesting, StateError} {
		v := 0.0
		if s == active {
			v = 1.0
		}
		stateGauge.WithLabelValues(s).Set(v)
	}
}

func (m *Manager) setState(state string) {
	m.mu.Lock()
	m.setStateLocked(state)
	m.mu.Unlock()
}

func (m *Manager) recordError(err error) {
	m.mu.Lock()
	m.lastError = err.Error()
	m.setStateLocked(StateError)
	m.mu.Unlock()
}

func (m *Manager) recordCheck(live bool) {
	m.mu.Lock()
	m.isLive = live
	m.lastCheckAt = time.Now()
	m.mu.Unlock()
}

// run is the worker loop: poll liveness, run one ingest session per live
// broadcast, repeat until canceled.
func (m *Manager) run(ctx context.Context, streamer string, done chan struct{}) {
	defer close(done)
	logger := log.WithComponent("monitor")

	pollInterval := m.cfg.MonitorPollSeconds
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	retryInterval := m.cfg.MonitorRetrySeconds
	if retryInterval <= 0 {
		retryInterval = 5 * time.Second
	}

	for ctx.Err() == nil {
		live, err := m.api.IsLive(ctx, streamer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Str("streamer", streamer).Msg("liveness check failed")
			m.recordError(err)
			if !sleep(ctx, retryInterval) {
				return
			}
			continue
		}
		m.recordCheck(live)

		if !live {
			m.setState(StatePolling)
			if !sleep(ctx, pollInterval) {
				return
			}
			continue
		}

		if err := m.runSession(ctx, streamer); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Str("streamer", streamer).Msg("ingest session failed")
			m.recordError(err)
		} else {
			m.setState(StatePolling)
		}
		if !sleep(ctx, retryInterval) {
			return
		}
	}
}

func (m *Manager) runSession(ctx context.Context, streamer string) error {
	follower, err := source.NewArchiveFollower(source.FollowerConfig{
		Streamer:       streamer,
		ChunkSeconds:   m.cfg.ChunkSeconds,
		LagSeconds:     m.cfg.LagSeconds,
		PollInterval:   m.cfg.PollSeconds,
		FinalizeChecks: m.cfg.FinalizeChecks,
		TempDir:        m.cfg.TempLiveDir(),
	}, m.store, m.api, m.ext)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.follower = follower
	m.setStateLocked(StateIngesting)
	m.mu.Unlock()

	session := &ingest.Session{
		Source:       follower,
		Embedder:     m.embedder,
		Store:        m.store,
		Vectors:      m.vectors,
		PollInterval: m.cfg.SessionPollInterval,
	}
	err = session.Run(ctx)

	m.mu.Lock()
	m.follower = nil
	m.mu.Unlock()
	return err
}

// sleep waits for d or until the context is canceled; it reports whether the
// caller should continue.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
