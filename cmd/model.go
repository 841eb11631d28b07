package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/stockpool/internal/demand"
	"github.com/sells-group/stockpool/internal/store"
)

var (
	modelOut    string
	modelLambda float64
)

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Train and evaluate the demand model",
}

var modelTrainCmd = &cobra.Command{
	Use:   "train",
	Short: "Fit the demand model on listings with internal sales history",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if modelOut != "" {
			cfg.Demand.ModelPath = modelOut
		}
		if modelLambda >= 0 {
			cfg.Demand.Lambda = modelLambda
		}
		if err := cfg.Validate("train"); err != nil {
			return err
		}

		samples, err := loadSamples(cmd, nil)
		if err != nil {
			return err
		}

		m, err := demand.Train(samples, demand.TrainOptions{Lambda: cfg.Demand.Lambda})
		if err != nil {
			return err
		}
		if err := demand.SaveModel(cfg.Demand.ModelPath, m); err != nil {
			return err
		}
		zap.L().Info("model saved", zap.String("path", cfg.Demand.ModelPath), zap.String("version", m.Version))
		return printJSON(cmd.OutOrStdout(), m.Metrics)
	},
}

var modelEvaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Score the saved demand model against the holdout listings",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if modelOut != "" {
			cfg.Demand.ModelPath = modelOut
		}
		if err := cfg.Validate("train"); err != nil {
			return err
		}
		m, err := demand.LoadModel(cfg.Demand.ModelPath)
		if err != nil {
			return err
		}

		samples, err := loadSamples(cmd, nil)
		if err != nil {
			return err
		}
		met := demand.Evaluate(m, samples)
		zap.L().Info("model evaluated",
			zap.String("version", m.Version),
			zap.Int("holdout_count", met.HoldoutCount),
			zap.Float64("mae", met.MAE),
		)
		return printJSON(cmd.OutOrStdout(), met)
	},
}

func init() {
	for _, c := range []*cobra.Command{modelTrainCmd, modelEvaluateCmd} {
		c.Flags().StringVar(&modelOut, "model", "", "model artifact path (default demand.model_path)")
	}
	modelTrainCmd.Flags().Float64Var(&modelLambda, "lambda", -1, "ridge penalty (default demand.lambda)")
	modelCmd.AddCommand(modelTrainCmd, modelEvaluateCmd)
	rootCmd.AddCommand(modelCmd)
}

// loadSamples reads every listing from the store, or st when given, and keeps
// those with a usable label.
func loadSamples(cmd *cobra.Command, st store.Store) ([]demand.Sample, error) {
	ctx := cmd.Context()
	if st == nil {
		var err error
		st, err = initStore(ctx)
		if err != nil {
			return nil, err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return nil, eris.Wrap(err, "migrate store")
		}
	}

	listings, err := st.ListListings(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "list listings")
	}
	samples := make([]demand.Sample, 0, len(listings))
	for _, l := range listings {
		if s, ok := demand.SampleFromListing(l); ok {
			samples = append(samples, s)
		}
	}
	zap.L().Info("training samples loaded", zap.Int("listings", len(listings)), zap.Int("samples", len(samples)))
	return samples, nil
}
