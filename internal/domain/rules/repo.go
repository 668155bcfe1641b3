package rules

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// RuleRepository stores rule definitions outside the binary.
type RuleRepository interface {
	ListActive(ctx context.Context) ([]RuleDefinition, error)
	Upsert(ctx context.Context, defs []RuleDefinition) (int, error)
}

// Source names where the rule definitions come from.
type Source string

const (
	SourceEmbedded Source = "embedded"
	SourceFile     Source = "file"
	SourcePostgres Source = "postgres"
)

// LoadOptions selects and locates the rule source.
type LoadOptions struct {
	Source Source
	File   string
	Repo   RuleRepository
}

// Load reads the table definition from the configured source and compiles it.
// Rules stored in Postgres replace the embedded rules; the embedded red-flag
// actions, screening questions, fallback and follow-up stay in effect.
func Load(ctx context.Context, opts LoadOptions, logger zerolog.Logger) (*Table, []*RuleConfigError, error) {
	def, err := LoadDefinition(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Str("source", string(opts.Source)).Int("definitions", len(def.Rules)).Msg("loading rule table")
	return Compile(def, logger)
}

// LoadDefinition returns the uncompiled table definition for opts.
func LoadDefinition(ctx context.Context, opts LoadOptions) (TableDefinition, error) {
	switch opts.Source {
	case SourceEmbedded, "":
		return DefaultDefinition()
	case SourceFile:
		return ReadFile(opts.File)
	case SourcePostgres:
		if opts.Repo == nil {
			return TableDefinition{}, fmt.Errorf("rule source %s: no repository configured", opts.Source)
		}
		def, err := DefaultDefinition()
		if err != nil {
			return TableDefinition{}, err
		}
		stored, err := opts.Repo.ListActive(ctx)
		if err != nil {
			return TableDefinition{}, fmt.Errorf("list stored rules: %w", err)
		}
		def.Rules = stored
		return def, nil
	default:
		return TableDefinition{}, fmt.Errorf("unknown rule source %q", opts.Source)
	}
}
