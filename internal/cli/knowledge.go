package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nidhogg/nuka-memory/internal/knowledge"
	"github.com/nidhogg/nuka-memory/internal/scope"
)

var seedForce bool

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the GLOBAL scope with the foundational knowledge corpus",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, logger, err := openInitialized(ctx)
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer a.Close()

		rep, err := a.Seeder.Seed(ctx, seedForce)
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
			return err
		}
		if !rep.Success() {
			return fmt.Errorf("seeding finished with %d errors", len(rep.Errors))
		}
		return nil
	},
}

var exportOpts struct {
	scopes        string
	project       string
	minImportance float64
	anonymize     bool
	exhaustive    bool
	limit         int
	out           string
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export knowledge into a portable package",
	Long: `Export knowledge into a portable package. The file format follows the
extension: .yaml and .yml write YAML, anything else writes JSON.

Example:
  nuka-memory export --scopes GLOBAL,OBJECTIVES --min-importance 0.7 --anonymize --out team.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		scopes, err := parseScopes(exportOpts.scopes)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, logger, err := openInitialized(ctx)
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer a.Close()

		pkg, err := a.Transfer.Export(ctx, knowledge.ExportOptions{
			Scopes:        scopes,
			ProjectID:     exportOpts.project,
			MinImportance: exportOpts.minImportance,
			Anonymize:     exportOpts.anonymize,
			Limit:         exportOpts.limit,
			Exhaustive:    exportOpts.exhaustive,
		})
		if err != nil {
			return err
		}
		if exportOpts.out == "" || exportOpts.out == "-" {
			return printJSON(cmd.OutOrStdout(), pkg)
		}
		if err := knowledge.WritePackage(exportOpts.out, pkg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "exported %d entries to %s\n", pkg.Entries(), exportOpts.out)
		return nil
	},
}

var importOpts struct {
	file          string
	strategy      string
	targetProject string
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a knowledge package",
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, err := knowledge.ParseStrategy(importOpts.strategy)
		if err != nil {
			return err
		}
		pkg, err := knowledge.ReadPackage(importOpts.file)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, logger, err := openInitialized(ctx)
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer a.Close()

		rep, err := a.Transfer.Import(ctx, pkg, knowledge.ImportOptions{
			Strategy:      strategy,
			TargetProject: importOpts.targetProject,
		})
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
			return err
		}
		if !rep.Success {
			return fmt.Errorf("import finished with %d failed entries", rep.Failed)
		}
		return nil
	},
}

func parseScopes(list string) ([]scope.Scope, error) {
	var out []scope.Scope
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		s, err := scope.Parse(part)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func init() {
	rootCmd.AddCommand(seedCmd, exportCmd, importCmd)

	seedCmd.Flags().BoolVar(&seedForce, "force", false, "replace previously seeded entries")

	exportCmd.Flags().StringVar(&exportOpts.scopes, "scopes", "", "comma separated scopes (default all)")
	exportCmd.Flags().StringVar(&exportOpts.project, "project", "", "limit PROJECT export to one project")
	exportCmd.Flags().Float64Var(&exportOpts.minImportance, "min-importance", 0, "minimum importance to export")
	exportCmd.Flags().BoolVar(&exportOpts.anonymize, "anonymize", false, "mask emails and tokens and drop sensitive metadata")
	exportCmd.Flags().BoolVar(&exportOpts.exhaustive, "exhaustive", false, "scan whole collections instead of a ranked search")
	exportCmd.Flags().IntVar(&exportOpts.limit, "limit", 0, "per-scope entry limit")
	exportCmd.Flags().StringVarP(&exportOpts.out, "out", "o", "", "output file (default stdout)")

	importCmd.Flags().StringVarP(&importOpts.file, "file", "f", "", "package file to import")
	importCmd.Flags().StringVar(&importOpts.strategy, "strategy", string(knowledge.SkipExisting), "merge strategy: skip_existing, append or overwrite")
	importCmd.Flags().StringVar(&importOpts.targetProject, "target-project", "", "rewrite project ids to this project")
	_ = importCmd.MarkFlagRequired("file")
}
