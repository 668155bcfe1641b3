package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/livepanels/internal/config"
	"github.com/ehr/livepanels/internal/domain/rules"
	"github.com/ehr/livepanels/internal/platform/db"
)

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and import clinical rule tables",
	}

	validate := &cobra.Command{
		Use:   "validate [file]",
		Short: "Compile a rule table and report rejected entries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinition(args)
			if err != nil {
				return err
			}
			return validateRules(cmd.OutOrStdout(), def)
		},
	}
	cmd.AddCommand(validate)

	importCmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Store the valid rules of a table in Postgres",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinition(args)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required to import rules")
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if _, err := db.NewMigrator(pool, db.Migrations()).Up(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			n, err := importRules(ctx, rules.NewRuleRepoPG(pool), def)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d rule(s).\n", n)
			return nil
		},
	}
	cmd.AddCommand(importCmd)

	return cmd
}

// readDefinition reads the table at args[0], or the embedded table.
func readDefinition(args []string) (rules.TableDefinition, error) {
	if len(args) == 0 {
		return rules.DefaultDefinition()
	}
	return rules.ReadFile(args[0])
}

// validateRules prints one line per rejected entry and fails when the table
// has no usable rule.
func validateRules(w io.Writer, def rules.TableDefinition) error {
	table, diags, err := rules.Compile(def, zerolog.Nop())
	for _, d := range diags {
		fmt.Fprintf(w, "rejected: %s\n", d)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%d rule(s) valid, %d rejected\n", table.Len(), len(diags))
	return nil
}

// importRules upserts the definitions that compile. Rejected entries are
// never stored.
func importRules(ctx context.Context, repo rules.RuleRepository, def rules.TableDefinition) (int, error) {
	table, _, err := rules.Compile(def, zerolog.Nop())
	if err != nil {
		return 0, err
	}
	valid := make(map[string]bool, table.Len())
	for _, r := range table.Rules() {
		valid[r.ID] = true
	}

	var keep []rules.RuleDefinition
	for _, rd := range def.Rules {
		if valid[rd.ID] {
			keep = append(keep, rd)
			// Only the first entry of a duplicated id compiled.
			delete(valid, rd.ID)
		}
	}
	return repo.Upsert(ctx, keep)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the rule database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, db.Migrations()))
}
