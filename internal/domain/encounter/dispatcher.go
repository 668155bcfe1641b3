// Package encounter routes fact events to one pipeline goroutine per active
// encounter and exposes the pipelines over HTTP.
package encounter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/livepanels/internal/domain/fact"
	"github.com/ehr/livepanels/internal/domain/panel"
)

// Options configures a Dispatcher.
type Options struct {
	// QueueSize bounds the pending facts per encounter.
	QueueSize int
	// AutoStart opens a pipeline on the first fact of an unseen encounter.
	AutoStart bool
	// EndedLimit bounds how many ended encounter ids are remembered. The
	// oldest id is forgotten first and may then be started again.
	EndedLimit int
}

// DefaultOptions returns a queue of 64 facts, explicit starts and up to 4096
// remembered ended encounters.
func DefaultOptions() Options {
	return Options{QueueSize: 64, EndedLimit: 4096}
}

// Dispatcher owns the routing table from encounter id to pipeline. The table
// holds no clinical state; each pipeline owns its own fact set.
type Dispatcher struct {
	normalizer *fact.Normalizer
	panels     *panel.Manager
	logger     zerolog.Logger
	opts       Options

	g errgroup.Group

	mu        sync.RWMutex
	pipelines map[string]*pipeline
	ended     map[string]struct{}
	endedFIFO []string
	closed    bool
}

// NewDispatcher returns a dispatcher with no active encounters.
func NewDispatcher(normalizer *fact.Normalizer, panels *panel.Manager, logger zerolog.Logger, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOptions().QueueSize
	}
	if opts.EndedLimit <= 0 {
		opts.EndedLimit = DefaultOptions().EndedLimit
	}
	return &Dispatcher{
		normalizer: normalizer,
		panels:     panels,
		logger:     logger,
		opts:       opts,
		pipelines:  make(map[string]*pipeline),
		ended:      make(map[string]struct{}),
	}
}

// Start opens the pipeline and panel board of an encounter and returns the
// version 0 snapshot. Surrounding whitespace is not part of the id.
func (d *Dispatcher) Start(encounterID string) (panel.PanelState, error) {
	encounterID = fact.CanonicalEncounterID(encounterID)
	if encounterID == "" {
		return panel.PanelState{}, &fact.ValidationError{Field: "encounter_id", Reason: "is required"}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return panel.PanelState{}, fmt.Errorf("%w: dispatcher shut down", ErrEncounterClosed)
	}
	if _, ok := d.pipelines[encounterID]; ok {
		return panel.PanelState{}, fmt.Errorf("%w: %s", ErrEncounterExists, encounterID)
	}
	if _, ok := d.ended[encounterID]; ok {
		return panel.PanelState{}, fmt.Errorf("%w: %s", ErrEncounterClosed, encounterID)
	}

	initial, err := d.panels.Open(encounterID)
	if err != nil {
		return panel.PanelState{}, fmt.Errorf("open panels: %w", err)
	}
	p := newPipeline(encounterID, d.normalizer, d.panels, d.logger, d.opts.QueueSize)
	d.pipelines[encounterID] = p
	d.g.Go(p.run)

	d.logger.Info().Str("encounter_id", encounterID).Msg("encounter started")
	return initial, nil
}

// End stops the pipeline of an encounter. The fact in flight finishes, queued
// facts are discarded, and the fact set and panels are released. End waits
// for the pipeline to stop or ctx to be done.
func (d *Dispatcher) End(ctx context.Context, encounterID string) error {
	encounterID = fact.CanonicalEncounterID(encounterID)
	d.mu.Lock()
	p, ok := d.pipelines[encounterID]
	if ok {
		delete(d.pipelines, encounterID)
		d.markEnded(encounterID)
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEncounter, encounterID)
	}

	if err := d.release(ctx, p); err != nil {
		return err
	}
	d.logger.Info().Str("encounter_id", encounterID).Int("facts", p.set.Len()).Msg("encounter ended")
	return nil
}

// markEnded records an ended id, forgetting the oldest past EndedLimit.
// d.mu must be held.
func (d *Dispatcher) markEnded(encounterID string) {
	if _, ok := d.ended[encounterID]; ok {
		return
	}
	d.ended[encounterID] = struct{}{}
	d.endedFIFO = append(d.endedFIFO, encounterID)
	for len(d.endedFIFO) > d.opts.EndedLimit {
		delete(d.ended, d.endedFIFO[0])
		d.endedFIFO[0] = ""
		d.endedFIFO = d.endedFIFO[1:]
	}
}

func (d *Dispatcher) release(ctx context.Context, p *pipeline) error {
	p.halt()
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := d.panels.Close(p.encounterID); err != nil && !errors.Is(err, panel.ErrNoBoard) {
		return err
	}
	return nil
}

// HandleLifecycle applies a start or end event.
func (d *Dispatcher) HandleLifecycle(ctx context.Context, ev fact.LifecycleEvent) error {
	switch ev.Kind {
	case fact.LifecycleStart:
		_, err := d.Start(ev.EncounterID)
		return err
	case fact.LifecycleEnd:
		return d.End(ctx, ev.EncounterID)
	default:
		return &fact.ValidationError{Field: "kind", Reason: fmt.Sprintf("%q is not a lifecycle kind", ev.Kind)}
	}
}

func (d *Dispatcher) route(encounterID string) (*pipeline, error) {
	encounterID = fact.CanonicalEncounterID(encounterID)
	if encounterID == "" {
		return nil, &fact.ValidationError{Field: "encounter_id", Reason: "is required"}
	}
	d.mu.RLock()
	p, ok := d.pipelines[encounterID]
	_, ended := d.ended[encounterID]
	d.mu.RUnlock()
	if ok {
		return p, nil
	}
	if !d.opts.AutoStart || ended {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEncounter, encounterID)
	}

	if _, err := d.Start(encounterID); err != nil && !errors.Is(err, ErrEncounterExists) {
		if errors.Is(err, ErrEncounterClosed) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEncounter, encounterID)
		}
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if p, ok := d.pipelines[encounterID]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEncounter, encounterID)
}

// Submit queues a fact event for its encounter. It blocks while the
// encounter queue is full, until space frees or ctx is done.
func (d *Dispatcher) Submit(ctx context.Context, ev fact.Event) error {
	p, err := d.route(ev.EncounterID)
	if err != nil {
		return err
	}
	return p.enqueue(ctx, job{event: ev})
}

// Process queues a fact event and waits for its result. Validation failures
// are reported in Result.Err; routing and queueing failures are returned as
// the error.
func (d *Dispatcher) Process(ctx context.Context, ev fact.Event) (Result, error) {
	p, err := d.route(ev.EncounterID)
	if err != nil {
		return Result{}, err
	}
	reply := make(chan Result, 1)
	if err := p.enqueue(ctx, job{event: ev, reply: reply}); err != nil {
		return Result{}, err
	}
	return p.wait(ctx, reply)
}

// Current returns the latest snapshot of an active encounter.
func (d *Dispatcher) Current(encounterID string) (panel.PanelState, error) {
	encounterID = fact.CanonicalEncounterID(encounterID)
	if !d.Active(encounterID) {
		return panel.PanelState{}, fmt.Errorf("%w: %s", ErrUnknownEncounter, encounterID)
	}
	s, err := d.panels.Current(encounterID)
	if errors.Is(err, panel.ErrNoBoard) {
		return panel.PanelState{}, fmt.Errorf("%w: %s", ErrUnknownEncounter, encounterID)
	}
	return s, err
}

// Subscribe streams the snapshots of an active encounter. See
// panel.Manager.Subscribe.
func (d *Dispatcher) Subscribe(ctx context.Context, encounterID string) (<-chan panel.PanelState, func(), error) {
	encounterID = fact.CanonicalEncounterID(encounterID)
	if !d.Active(encounterID) {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownEncounter, encounterID)
	}
	ch, cancel, err := d.panels.Subscribe(ctx, encounterID)
	if errors.Is(err, panel.ErrNoBoard) {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownEncounter, encounterID)
	}
	return ch, cancel, err
}

// Active reports whether the encounter has a running pipeline.
func (d *Dispatcher) Active(encounterID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.pipelines[fact.CanonicalEncounterID(encounterID)]
	return ok
}

// Encounters returns the ids of the active encounters in lexical order.
func (d *Dispatcher) Encounters() []string {
	d.mu.RLock()
	ids := make([]string, 0, len(d.pipelines))
	for id := range d.pipelines {
		ids = append(ids, id)
	}
	d.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Shutdown ends every encounter and waits for all pipelines to stop. No
// encounter can be started afterwards.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	pipelines := d.pipelines
	d.pipelines = make(map[string]*pipeline)
	for id := range pipelines {
		d.markEnded(id)
	}
	d.mu.Unlock()

	for _, p := range pipelines {
		p.halt()
	}

	waited := make(chan error, 1)
	go func() { waited <- d.g.Wait() }()
	select {
	case err := <-waited:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, p := range pipelines {
		if err := d.release(ctx, p); err != nil {
			return err
		}
	}
	d.logger.Info().Int("encounters", len(pipelines)).Msg("dispatcher stopped")
	return nil
}
