package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/stockpool/internal/allocation"
	"github.com/sells-group/stockpool/internal/model"
)

var (
	applyFlags       poolFlags
	applyPreviewFile string
	applyGeneratedAt string
	applyKey         string
	applyDryRun      bool
	applyForce       bool
	applyConfirm     string
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a previewed allocation to marketplace listings",
	Long:  "Re-checks the preview for staleness, regenerates the allocation and sends one quantity update per listing. Re-running with the same --key returns the recorded result without new updates.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		req, err := buildApplyRequest()
		if err != nil {
			return err
		}
		if err := req.Validate(); err != nil {
			return err
		}

		mode := "apply"
		if req.DryRun {
			mode = "preview"
		}
		env, err := initEnv(ctx, mode)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Applier.Apply(ctx, req)
		if err != nil {
			return eris.Wrap(err, "apply allocation")
		}
		if res.Warning != "" {
			zap.L().Warn("apply not performed",
				zap.String("warning", res.Warning),
				zap.String("hint", "generate a new preview or pass --force"),
			)
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	applyFlags.register(applyCmd.Flags())
	applyCmd.Flags().StringVar(&applyPreviewFile, "preview-file", "", "preview JSON written by the preview command")
	applyCmd.Flags().StringVar(&applyGeneratedAt, "generated-at", "", "preview generation time (RFC 3339), when no --preview-file is given")
	applyCmd.Flags().StringVar(&applyKey, "key", "", "idempotency key (required unless --dry-run)")
	applyCmd.Flags().BoolVar(&applyDryRun, "dry-run", false, "plan the updates without sending them")
	applyCmd.Flags().BoolVar(&applyForce, "force", false, "apply even if the preview is stale or superseded")
	applyCmd.Flags().StringVar(&applyConfirm, "confirm", "", `confirmation token for large allocations, e.g. "APPLY 150"`)
	rootCmd.AddCommand(applyCmd)
}

// buildApplyRequest merges a saved preview, when given, with the flags.
// Explicit flags win over the preview's values.
func buildApplyRequest() (allocation.ApplyRequest, error) {
	params := applyFlags.params()
	req := allocation.ApplyRequest{
		PoolComponentSKU: params.PoolComponentSKU,
		Location:         params.Location,
		Constraints:      params.Constraints,
		IdempotencyKey:   applyKey,
		DryRun:           applyDryRun,
		ForceApply:       applyForce,
		ConfirmToken:     applyConfirm,
	}

	if applyPreviewFile != "" {
		data, err := os.ReadFile(applyPreviewFile)
		if err != nil {
			return req, eris.Wrap(err, "read preview file")
		}
		var p model.Preview
		if err := json.Unmarshal(data, &p); err != nil {
			return req, eris.Wrap(err, "parse preview file")
		}
		req.PreviewID = p.ID
		req.GeneratedAt = p.GeneratedAt
		req.Constraints = p.Constraints
		if applyFlags.pool == "" {
			req.PoolComponentSKU = p.PoolComponentSKU
		}
		if applyFlags.location == "" {
			req.Location = p.Location
		}
	}

	if applyGeneratedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, applyGeneratedAt)
		if err != nil {
			return req, eris.Wrap(err, "parse --generated-at")
		}
		req.GeneratedAt = t
	}
	return req, nil
}
