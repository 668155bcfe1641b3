package encounter

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehr/livepanels/internal/domain/fact"
	"github.com/ehr/livepanels/internal/domain/panel"
)

// Result is the outcome of one fact event.
type Result struct {
	Fact      fact.ClinicalFact
	Outcome   fact.Outcome
	Panels    panel.PanelState
	Published bool
	Err       error
}

type job struct {
	event fact.Event
	reply chan Result
}

// pipeline is the single owner of one encounter's fact set. Its queue is the
// only way in.
type pipeline struct {
	encounterID string
	normalizer  *fact.Normalizer
	panels      *panel.Manager
	logger      zerolog.Logger

	set   *fact.Set
	queue chan job

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newPipeline(encounterID string, normalizer *fact.Normalizer, panels *panel.Manager, logger zerolog.Logger, queueSize int) *pipeline {
	return &pipeline{
		encounterID: encounterID,
		normalizer:  normalizer,
		panels:      panels,
		logger:      logger.With().Str("encounter_id", encounterID).Logger(),
		set:         fact.NewSet(encounterID),
		queue:       make(chan job, queueSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (p *pipeline) halt() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// enqueue blocks while the queue is full.
func (p *pipeline) enqueue(ctx context.Context, j job) error {
	select {
	case <-p.stop:
		return fmt.Errorf("%w: %s", ErrEncounterClosed, p.encounterID)
	default:
	}
	select {
	case p.queue <- j:
		return nil
	case <-p.stop:
		return fmt.Errorf("%w: %s", ErrEncounterClosed, p.encounterID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wait returns the result of a job queued with a reply channel.
func (p *pipeline) wait(ctx context.Context, reply chan Result) (Result, error) {
	select {
	case r := <-reply:
		return r, nil
	case <-p.done:
		select {
		case r := <-reply:
			return r, nil
		default:
			return Result{}, fmt.Errorf("%w: %s", ErrEncounterClosed, p.encounterID)
		}
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (p *pipeline) run() error {
	defer close(p.done)
	for {
		// A halt wins over queued work.
		select {
		case <-p.stop:
			p.discard()
			return nil
		default:
		}
		select {
		case <-p.stop:
			p.discard()
			return nil
		case j := <-p.queue:
			r := p.process(j.event)
			if j.reply != nil {
				j.reply <- r
			}
		}
	}
}

func (p *pipeline) discard() {
	n := 0
	for {
		select {
		case <-p.queue:
			n++
		default:
			if n > 0 {
				p.logger.Info().Int("discarded", n).Msg("queued facts discarded")
			}
			return
		}
	}
}

func (p *pipeline) process(ev fact.Event) (r Result) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error().Str("panic", fmt.Sprintf("%v", rec)).Msg("fact processing panicked")
			r = Result{Outcome: fact.OutcomeRejected, Err: fmt.Errorf("process fact: %v", rec)}
		}
	}()

	f, err := p.normalizer.Normalize(ev)
	if err != nil {
		p.logger.Warn().Err(err).Str("category", string(ev.Category)).Msg("fact rejected")
		return Result{Outcome: fact.OutcomeRejected, Err: err}
	}

	res := fact.Resolve(f, p.set)
	log := p.logger.With().
		Uint64("seq", f.SequenceNumber).
		Str("category", string(f.Category)).
		Str("code", f.NormalizedCode).
		Str("outcome", string(res.Outcome)).
		Logger()

	if !p.set.Apply(res) {
		log.Debug().Msg("fact ignored")
		current, err := p.panels.Current(p.encounterID)
		return Result{Fact: f, Outcome: res.Outcome, Panels: current, Err: err}
	}
	if res.PolarityFlipped() {
		log.Info().Str("previous", string(res.Previous.Polarity)).Msg("polarity changed")
	}

	state, published, err := p.panels.Apply(p.encounterID, p.set)
	if err != nil {
		log.Error().Err(err).Msg("panel update failed")
		return Result{Fact: f, Outcome: res.Outcome, Err: err}
	}
	log.Debug().Uint64("version", state.Version).Bool("published", published).Msg("fact applied")
	return Result{Fact: f, Outcome: res.Outcome, Panels: state, Published: published}
}
