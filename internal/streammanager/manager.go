// Package streammanager is the thin facade from spec.md §4.I: add/remove/
// update/list of configured streams. Changes are persisted first, then
// applied to the Stream Lifecycle Orchestrator (update = stop-old +
// start-new); callers never see a raw orchestrator.Pipeline.
package streammanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nvrflow/nvrcore/internal/models"
	"github.com/nvrflow/nvrcore/internal/orchestrator"
	"github.com/nvrflow/nvrcore/internal/repository"
)

// PipelineFactory builds the orchestrator.Pipeline for one stream, wiring
// whatever subset of HLS/MP4/Detection consumers the stream's config
// enables. Supplied by the bootstrap sequence (cmd/nvrcore/cmd/serve.go)
// since the factory closes over the storage layout, recording repository,
// and detector that streammanager itself has no business constructing.
type PipelineFactory func(stream *models.Stream) *orchestrator.Pipeline

// Manager is the Stream Manager facade. One instance per process.
type Manager struct {
	repo    repository.StreamRepository
	factory PipelineFactory
	log     *slog.Logger

	mu        sync.Mutex
	pipelines map[string]*orchestrator.Pipeline
}

// New constructs a Manager. factory is called once per pipeline start
// (initial load, Add, Update, re-Enable).
func New(repo repository.StreamRepository, factory PipelineFactory, log *slog.Logger) *Manager {
	return &Manager{
		repo:      repo,
		factory:   factory,
		log:       log,
		pipelines: make(map[string]*orchestrator.Pipeline),
	}
}

// LoadAndStart loads every enabled stream from the repository and starts its
// pipeline. Called once at boot (spec.md §10's bootstrap step 7).
func (m *Manager) LoadAndStart(ctx context.Context) error {
	streams, err := m.repo.GetEnabled(ctx)
	if err != nil {
		return fmt.Errorf("loading enabled streams: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range streams {
		m.startLocked(ctx, &streams[i])
	}
	return nil
}

// List returns every configured stream, enabled or not.
func (m *Manager) List(ctx context.Context) ([]models.Stream, error) {
	return m.repo.GetAll(ctx)
}

// Get returns one configured stream by name.
func (m *Manager) Get(ctx context.Context, name string) (*models.Stream, error) {
	return m.repo.GetByName(ctx, name)
}

// Add persists a new stream and starts its pipeline if enabled. Returns
// models.ErrStreamNameTaken if the name is already configured.
func (m *Manager) Add(ctx context.Context, stream *models.Stream) error {
	if err := stream.Validate(); err != nil {
		return err
	}

	existing, err := m.repo.GetByName(ctx, stream.Name)
	if err != nil {
		return fmt.Errorf("checking existing stream: %w", err)
	}
	if existing != nil {
		return models.ErrStreamNameTaken
	}

	if err := m.repo.Create(ctx, stream); err != nil {
		return fmt.Errorf("persisting stream: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if stream.IsEnabled() {
		m.startLocked(ctx, stream)
	}
	return nil
}

// Update persists cfg changes and restarts the pipeline (stop-old +
// start-new) so every running consumer sees the new configuration.
func (m *Manager) Update(ctx context.Context, stream *models.Stream) error {
	if err := stream.Validate(); err != nil {
		return err
	}
	if err := m.repo.Update(ctx, stream); err != nil {
		return fmt.Errorf("persisting stream update: %w", err)
	}

	m.mu.Lock()
	pipeline := m.removeLocked(stream.Name)
	if stream.IsEnabled() {
		m.startLocked(ctx, stream)
	}
	m.mu.Unlock()
	m.stopPipeline(stream.Name, pipeline)
	return nil
}

// Enable starts an existing stream's pipeline if it isn't already running.
func (m *Manager) Enable(ctx context.Context, name string) error {
	stream, err := m.repo.GetByName(ctx, name)
	if err != nil {
		return fmt.Errorf("loading stream: %w", err)
	}
	if stream == nil {
		return models.ErrStreamNotFound
	}
	stream.Enabled = models.BoolPtr(true)
	if err := m.repo.Update(ctx, stream); err != nil {
		return fmt.Errorf("persisting enable: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.startLocked(ctx, stream)
	return nil
}

// Disable drains and stops a stream's pipeline, leaving its configuration in
// place (spec.md §3's Lifecycle: "disabled (orchestrator drains and stops
// consumers)").
func (m *Manager) Disable(ctx context.Context, name string) error {
	stream, err := m.repo.GetByName(ctx, name)
	if err != nil {
		return fmt.Errorf("loading stream: %w", err)
	}
	if stream == nil {
		return models.ErrStreamNotFound
	}
	stream.Enabled = models.BoolPtr(false)
	if err := m.repo.Update(ctx, stream); err != nil {
		return fmt.Errorf("persisting disable: %w", err)
	}

	m.mu.Lock()
	pipeline := m.removeLocked(name)
	m.mu.Unlock()
	m.stopPipeline(name, pipeline)
	return nil
}

// Remove stops the pipeline (if running) and deletes the stream's
// configuration — spec.md §3: "removed (same as disable + delete config)".
func (m *Manager) Remove(ctx context.Context, name string) error {
	stream, err := m.repo.GetByName(ctx, name)
	if err != nil {
		return fmt.Errorf("loading stream: %w", err)
	}
	if stream == nil {
		return models.ErrStreamNotFound
	}

	m.mu.Lock()
	pipeline := m.removeLocked(name)
	m.mu.Unlock()
	m.stopPipeline(name, pipeline)

	if err := m.repo.Delete(ctx, stream.ID); err != nil {
		return fmt.Errorf("deleting stream: %w", err)
	}
	return nil
}

// StopAll stops every running pipeline, used as the Shutdown Coordinator's
// stop-callback for the Stream Manager component.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	pipelines := make(map[string]*orchestrator.Pipeline, len(m.pipelines))
	for name, pipeline := range m.pipelines {
		pipelines[name] = pipeline
	}
	m.pipelines = make(map[string]*orchestrator.Pipeline)
	m.mu.Unlock()

	for name, pipeline := range pipelines {
		m.stopPipeline(name, pipeline)
	}
	return nil
}

// startLocked starts stream's pipeline, enforcing the at-most-one-pipeline-
// per-name invariant (spec.md §3). Must be called with m.mu held.
func (m *Manager) startLocked(ctx context.Context, stream *models.Stream) {
	if _, running := m.pipelines[stream.Name]; running {
		m.log.Warn("streammanager: pipeline already running, refusing duplicate start",
			slog.String("stream", stream.Name))
		return
	}

	pipeline := m.factory(stream)
	m.pipelines[stream.Name] = pipeline
	pipeline.Start(ctx)
	m.log.Info("streammanager: pipeline started", slog.String("stream", stream.Name))
}

// removeLocked forgets stream name's pipeline, if running, and returns it for
// the caller to stop after releasing m.mu — pipeline.Stop() blocks for up to
// several seconds draining consumers and must never run under the lock.
// Must be called with m.mu held.
func (m *Manager) removeLocked(name string) *orchestrator.Pipeline {
	pipeline, running := m.pipelines[name]
	if !running {
		return nil
	}
	delete(m.pipelines, name)
	return pipeline
}

// stopPipeline stops pipeline (a no-op if nil) outside of m.mu.
func (m *Manager) stopPipeline(name string, pipeline *orchestrator.Pipeline) {
	if pipeline == nil {
		return
	}
	pipeline.Stop()
	m.log.Info("streammanager: pipeline stopped", slog.String("stream", name))
}
