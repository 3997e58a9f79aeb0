package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nmcds/nmcds/internal/config"
	"github.com/nmcds/nmcds/internal/domain/dose"
	"github.com/nmcds/nmcds/internal/domain/rules"
	"github.com/nmcds/nmcds/internal/platform/db"
	"github.com/nmcds/nmcds/migrations"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL session schema",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			migrator, closeFn, err := openMigrator(cmd.Context(), schema)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			migrator, closeFn, err := openMigrator(cmd.Context(), schema)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func openMigrator(ctx context.Context, schema string) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required for migrations")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrations.FS, schema), pool.Close, nil
}

func printMigrationStatus(out io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect the dosing rules document",
	}
	cmd.PersistentFlags().String("path", "", "Rules document (file or s3://bucket/key); defaults to RULES_PATH or the embedded table")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load the document and report problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			strict, _ := cmd.Flags().GetBool("strict")
			repo, err := loadRules(cmd, strict)
			if err != nil {
				return err
			}
			return printValidation(cmd.OutOrStdout(), repo)
		},
	}
	validateCmd.Flags().Bool("strict", false, "Treat dangling references as errors")
	cmd.AddCommand(validateCmd)

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "List the code mapping, or resolve one order code to its rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := loadRules(cmd, false)
			if err != nil {
				return err
			}
			code, _ := cmd.Flags().GetString("code")
			if code == "" {
				return printMapping(cmd.OutOrStdout(), repo)
			}
			p, err := protocolFlags(cmd)
			if err != nil {
				return err
			}
			return printRule(cmd.OutOrStdout(), repo, code, p)
		},
	}
	showCmd.Flags().String("code", "", "ServiceRequest code to resolve")
	addProtocolFlags(showCmd)
	cmd.AddCommand(showCmd)

	return cmd
}

func addProtocolFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("flow", false, "MAG3 study with flow phase")
	cmd.Flags().String("region", "", "FDG region: body or brain")
	cmd.Flags().String("strategy", "", "Range strategy: low, mid or high")
}

func protocolFlags(cmd *cobra.Command) (rules.Protocol, error) {
	flow, _ := cmd.Flags().GetBool("flow")
	region, _ := cmd.Flags().GetString("region")
	strategy, _ := cmd.Flags().GetString("strategy")
	p := rules.Protocol{FlowStudy: flow, Region: region, Strategy: strategy}
	if err := p.Validate(); err != nil {
		return rules.Protocol{}, err
	}
	return p.WithDefaults(), nil
}

// loadRules reads the document named by --path, falling back to the
// configured location.
func loadRules(cmd *cobra.Command, strict bool) (*rules.Repository, error) {
	path, _ := cmd.Flags().GetString("path")
	src := rules.SourceOptions{}
	if cfg, err := config.Load(); err == nil {
		if path == "" {
			path = cfg.RulesPath
		}
		src = rulesSource(cfg)
	}
	return rules.Load(cmd.Context(), path, src, rules.Options{Strict: strict, Logger: zerolog.Nop()})
}

func printValidation(out io.Writer, repo *rules.Repository) error {
	fmt.Fprintf(out, "Rules version %s: %d studies, %d order codes.\n", repo.Version(), len(repo.Keys()), len(repo.Codes()))
	fmt.Fprintf(out, "Guideline: %s\n", repo.Guideline())
	warnings := repo.Warnings()
	if len(warnings) == 0 {
		fmt.Fprintln(out, "No problems found.")
		return nil
	}
	for _, w := range warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	return nil
}

func printMapping(out io.Writer, repo *rules.Repository) error {
	fmt.Fprintf(out, "%-14s %-16s %-20s %-16s %s\n", "CODE", "STUDY KEY", "RADIOPHARMACEUTICAL", "DOSING", "BOUNDS (MBq)")
	for _, code := range repo.Codes() {
		key, err := repo.StudyKeyFor(code, rules.Protocol{})
		if err != nil {
			return err
		}
		rule, err := repo.RuleFor(key)
		if err != nil {
			fmt.Fprintf(out, "%-14s %-16s %-20s %-16s %s\n", code, key, "-", "-", "-")
			continue
		}
		fmt.Fprintf(out, "%-14s %-16s %-20s %-16s %g-%g\n", code, key, rule.Radiopharmaceutical.Code, dosing(rule), rule.MinMBq, rule.MaxMBq)
	}
	return nil
}

func dosing(r rules.Rule) string {
	if r.IsRange() {
		return fmt.Sprintf("%g-%g MBq/kg", r.MBqPerKgRange.Low, r.MBqPerKgRange.High)
	}
	return fmt.Sprintf("%g MBq/kg", *r.MBqPerKg)
}

func printRule(out io.Writer, repo *rules.Repository, code string, p rules.Protocol) error {
	key, err := repo.StudyKeyFor(code, p)
	if err != nil {
		return err
	}
	rule, err := repo.RuleFor(key)
	if err != nil {
		return err
	}
	return writeJSON(out, rule)
}

func recommendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recommend",
		Short: "Compute a recommendation offline from an order code and a weight",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, _ := cmd.Flags().GetString("code")
			weightKg, _ := cmd.Flags().GetFloat64("weight-kg")
			if code == "" {
				return fmt.Errorf("--code is required")
			}
			p, err := protocolFlags(cmd)
			if err != nil {
				return err
			}
			repo, err := loadRules(cmd, false)
			if err != nil {
				return err
			}
			return offlineRecommend(cmd.OutOrStdout(), repo, code, weightKg, p)
		},
	}
	cmd.Flags().String("path", "", "Rules document (file or s3://bucket/key)")
	cmd.Flags().String("code", "", "ServiceRequest code")
	cmd.Flags().Float64("weight-kg", 0, "Body weight in kilograms")
	addProtocolFlags(cmd)
	return cmd
}

// OfflineResult is what the recommend command prints.
type OfflineResult struct {
	Code                string                    `json:"code"`
	StudyKey            string                    `json:"studyKey"`
	RuleSetVersion      string                    `json:"ruleSetVersion"`
	Radiopharmaceutical rules.Radiopharmaceutical `json:"radiopharmaceutical"`
	WeightKg            float64                   `json:"weightKg"`
	Protocol            rules.Protocol            `json:"protocol"`
	Recommendation      dose.Recommendation       `json:"recommendation"`
	Warnings            []string                  `json:"warnings"`
}

func offlineRecommend(out io.Writer, repo *rules.Repository, code string, weightKg float64, p rules.Protocol) error {
	key, err := repo.StudyKeyFor(code, p)
	if err != nil {
		return err
	}
	rule, err := repo.RuleFor(key)
	if err != nil {
		return err
	}
	rec, notes, err := dose.NewCalculator(nil).Recommend(rule, weightKg, p)
	if err != nil {
		return err
	}
	if notes == nil {
		notes = []string{}
	}
	return writeJSON(out, OfflineResult{
		Code:                code,
		StudyKey:            key,
		RuleSetVersion:      repo.Version(),
		Radiopharmaceutical: rule.Radiopharmaceutical,
		WeightKg:            weightKg,
		Protocol:            p,
		Recommendation:      rec,
		Warnings:            notes,
	})
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
