package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sells-group/stockpool/internal/allocation"
	"github.com/sells-group/stockpool/internal/model"
)

// poolFlags are the pool and constraint flags shared by preview and apply.
type poolFlags struct {
	pool         string
	location     string
	minMargin    float64
	targetMargin float64
	buffer       int
}

func (f *poolFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.pool, "pool", "", "pooled component SKU (required)")
	fs.StringVar(&f.location, "location", "", "stock location (default from config)")
	fs.Float64Var(&f.minMargin, "min-margin", -1, "minimum margin percent (default from config)")
	fs.Float64Var(&f.targetMargin, "target-margin", -1, "target margin percent (default from config)")
	fs.IntVar(&f.buffer, "buffer", 0, "units held back from allocation (default from config)")
}

// params resolves the flags against config defaults.
func (f *poolFlags) params() allocation.PreviewParams {
	c := model.Constraints{
		MinMarginPct:    cfg.Allocation.MinMarginPct,
		TargetMarginPct: cfg.Allocation.TargetMarginPct,
		BufferUnits:     cfg.Allocation.BufferUnits,
	}
	if f.minMargin >= 0 {
		c.MinMarginPct = f.minMargin
	}
	if f.targetMargin >= 0 {
		c.TargetMarginPct = f.targetMargin
	}
	if f.buffer != 0 {
		c.BufferUnits = f.buffer
	}
	return allocation.PreviewParams{
		PoolComponentSKU: f.pool,
		Location:         flagOrDefault(f.location, cfg.Allocation.DefaultLocation),
		Constraints:      c,
	}
}

var previewFlags poolFlags

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Preview the allocation of a pool without changing anything",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		params := previewFlags.params()
		if err := params.Validate(); err != nil {
			return err
		}

		env, err := initEnv(ctx, "preview")
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := env.Engine.Generate(ctx, params)
		if err != nil {
			return eris.Wrap(err, "generate preview")
		}
		return printJSON(cmd.OutOrStdout(), p)
	},
}

func init() {
	previewFlags.register(previewCmd.Flags())
	_ = previewCmd.MarkFlagRequired("pool")
	rootCmd.AddCommand(previewCmd)
}
