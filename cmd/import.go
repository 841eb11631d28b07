package main

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/stockpool/internal/catalog"
	"github.com/sells-group/stockpool/internal/model"
)

var (
	importCostSheets []string
	importListings   string
	importLocation   string
	importFeePct     float64
	importDryRun     bool
	importUnmatched  string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import supplier cost sheets and a marketplace listings report",
	Long:  "Reads supplier XLSX cost sheets and a tab-separated listings report, resolves each seller SKU into a bill of materials, and upserts components, bundles and listings.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if len(importCostSheets) == 0 {
			return eris.New("at least one --costs sheet is required")
		}
		if importListings == "" {
			return eris.New("--listings report is required")
		}
		if importFeePct >= 0 {
			cfg.Import.FeePct = importFeePct
		}
		if err := cfg.Validate("import"); err != nil {
			return err
		}

		var components []model.Component
		for _, arg := range importCostSheets {
			sheet := parseCostSheetFlag(arg, importLocation)
			comps, err := catalog.ReadCostSheet(sheet)
			if err != nil {
				return err
			}
			zap.L().Info("cost sheet read", zap.String("path", sheet.Path), zap.String("brand", sheet.Brand), zap.Int("components", len(comps)))
			components = append(components, comps...)
		}

		f, err := os.Open(importListings)
		if err != nil {
			return eris.Wrap(err, "open listings report")
		}
		defer f.Close()
		rows, err := catalog.ReadListingsReport(ctx, f)
		if err != nil {
			return err
		}

		res := catalog.Build(components, rows, catalog.BuildOptions{FeePct: cfg.Import.FeePct})

		if importUnmatched != "" {
			uf, err := os.Create(importUnmatched)
			if err != nil {
				return eris.Wrap(err, "create unmatched report")
			}
			defer uf.Close()
			if err := printJSON(uf, res.Unmatched); err != nil {
				return eris.Wrap(err, "write unmatched report")
			}
		}

		if importDryRun {
			zap.L().Info("import dry run",
				zap.Int("components", len(res.Components)),
				zap.Int("bundles", len(res.Bundles)),
				zap.Int("listings", len(res.Listings)),
				zap.Int("unmatched", len(res.Unmatched)),
			)
			return nil
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}
		return catalog.Write(ctx, st, res)
	},
}

func init() {
	importCmd.Flags().StringArrayVar(&importCostSheets, "costs", nil, "supplier cost sheet as PATH or PATH=BRAND (repeatable)")
	importCmd.Flags().StringVar(&importListings, "listings", "", "tab-separated marketplace listings report")
	importCmd.Flags().StringVar(&importLocation, "location", "", "location that receives the cost sheets' Stock column")
	importCmd.Flags().Float64Var(&importFeePct, "fee-pct", -1, "marketplace fee percent of price (default from config)")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "parse and match without writing to the store")
	importCmd.Flags().StringVar(&importUnmatched, "unmatched-out", "", "write listings that could not be matched to this JSON file")
	rootCmd.AddCommand(importCmd)
}

// parseCostSheetFlag splits "PATH=BRAND". The brand defaults to empty.
func parseCostSheetFlag(arg, location string) catalog.CostSheet {
	sheet := catalog.CostSheet{Path: arg, Location: location}
	if i := strings.LastIndex(arg, "="); i > 0 {
		sheet.Path = arg[:i]
		sheet.Brand = strings.ToUpper(strings.TrimSpace(arg[i+1:]))
	}
	return sheet
}
