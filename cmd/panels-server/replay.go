package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/livepanels/internal/domain/encounter"
	"github.com/ehr/livepanels/internal/domain/fact"
	"github.com/ehr/livepanels/internal/domain/rules"
	"github.com/ehr/livepanels/internal/platform/db"
)

func replayCmd() *cobra.Command {
	var autoStart bool

	cmd := &cobra.Command{
		Use:   "replay <events.jsonl>",
		Short: "Run recorded encounter events through the pipeline and print every published panel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("auto-start") {
				cfg.EncounterAutoStart = autoStart
			}

			in, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			// Logs go to stderr so stdout carries only snapshots.
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel).With().Timestamp().Logger()

			ctx := cmd.Context()
			var pool *pgxpool.Pool
			if cfg.RulesSource == string(rules.SourcePostgres) {
				if pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns); err != nil {
					return err
				}
				defer pool.Close()
			}

			d, err := buildDispatcher(ctx, cfg, pool, logger)
			if err != nil {
				return err
			}
			stats, err := replay(ctx, in, cmd.OutOrStdout(), d, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "replayed %d event(s): %d published, %d rejected\n", stats.Events, stats.Published, stats.Rejected)
			return nil
		},
	}
	cmd.Flags().BoolVar(&autoStart, "auto-start", true, "start encounters on their first fact")
	return cmd
}

// replayLine is either a lifecycle event (kind set) or a fact event.
type replayLine struct {
	fact.Event
	Kind fact.LifecycleKind `json:"kind,omitempty"`
}

type replayStats struct {
	Events    int
	Published int
	Rejected  int
}

// replay feeds each JSON line of r to d in order and writes every published
// snapshot to w as one JSON line. Bad lines and rejected facts are logged and
// skipped. Every encounter is ended once r is exhausted.
func replay(ctx context.Context, r io.Reader, w io.Writer, d *encounter.Dispatcher, logger zerolog.Logger) (replayStats, error) {
	var stats replayStats
	enc := json.NewEncoder(w)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		stats.Events++

		var in replayLine
		if err := json.Unmarshal(line, &in); err != nil {
			stats.Rejected++
			logger.Warn().Int("line", lineNo).Err(err).Msg("malformed event")
			continue
		}

		if in.Kind != "" {
			err := d.HandleLifecycle(ctx, fact.LifecycleEvent{EncounterID: in.EncounterID, Kind: in.Kind})
			if err != nil {
				stats.Rejected++
				logger.Warn().Int("line", lineNo).Str("encounter_id", in.EncounterID).Err(err).Msg("lifecycle event rejected")
				continue
			}
			if in.Kind == fact.LifecycleStart {
				state, err := d.Current(in.EncounterID)
				if err != nil {
					return stats, err
				}
				if err := enc.Encode(state); err != nil {
					return stats, fmt.Errorf("write snapshot: %w", err)
				}
				stats.Published++
			}
			continue
		}

		res, err := d.Process(ctx, in.Event)
		if err == nil {
			err = res.Err
		}
		if err != nil {
			stats.Rejected++
			logger.Warn().Int("line", lineNo).Str("encounter_id", in.EncounterID).Err(err).Msg("fact rejected")
			continue
		}
		if res.Published {
			if err := enc.Encode(res.Panels); err != nil {
				return stats, fmt.Errorf("write snapshot: %w", err)
			}
			stats.Published++
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read events: %w", err)
	}
	return stats, d.Shutdown(ctx)
}
