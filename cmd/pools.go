package main

import (
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	poolsLocation    string
	poolsMinBomCount int
)

var poolsCmd = &cobra.Command{
	Use:   "pools",
	Short: "List components shared by multiple bundles at a location",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		location := flagOrDefault(poolsLocation, cfg.Allocation.DefaultLocation)
		if location == "" {
			return eris.New("location is required (--location or STOCKPOOL_ALLOCATION_DEFAULT_LOCATION)")
		}
		minBom := poolsMinBomCount
		if minBom == 0 {
			minBom = cfg.Allocation.MinBomCount
		}

		env, err := initEnv(ctx, "preview")
		if err != nil {
			return err
		}
		defer env.Close()

		pools, err := env.Pools.List(ctx, location, minBom)
		if err != nil {
			return eris.Wrap(err, "list pools")
		}
		return printJSON(cmd.OutOrStdout(), pools)
	},
}

func init() {
	poolsCmd.Flags().StringVar(&poolsLocation, "location", "", "stock location (default from config)")
	poolsCmd.Flags().IntVar(&poolsMinBomCount, "min-bom-count", 0, "minimum bundles sharing a component (default from config)")
	rootCmd.AddCommand(poolsCmd)
}

func flagOrDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
