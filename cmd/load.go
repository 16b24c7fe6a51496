package main

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/merchwire/brief-engine/internal/model"
	"github.com/merchwire/brief-engine/internal/store"
)

var loadFile string

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load a YAML fact batch into the fact store",
	Long:  "Upserts brands, products, variants, daily prices and daily ad activity. Reloading the same file is a no-op.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		batch, err := readFactBatch(loadFile)
		if err != nil {
			return err
		}

		st, err := openStore(ctx, cfg, "read")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		return loadFacts(ctx, st, batch)
	},
}

func init() {
	loadCmd.Flags().StringVar(&loadFile, "file", "", "path to YAML fact batch (required)")
	_ = loadCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(loadCmd)
}

// readFactBatch decodes a YAML fact batch. Unknown keys are rejected.
func readFactBatch(path string) (*model.FactBatch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "load: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var batch model.FactBatch
	if err := dec.Decode(&batch); err != nil {
		return nil, eris.Wrapf(err, "load: decode %s", path)
	}
	for i := range batch.Prices {
		batch.Prices[i].Date = model.Day(batch.Prices[i].Date)
	}
	for i := range batch.Ads {
		batch.Ads[i].Date = model.Day(batch.Ads[i].Date)
	}
	return &batch, nil
}

func loadFacts(ctx context.Context, st store.Store, batch *model.FactBatch) error {
	if batch.Len() == 0 {
		zap.L().Warn("load: empty batch")
		return nil
	}
	if err := st.UpsertFacts(ctx, batch); err != nil {
		return eris.Wrap(err, "load")
	}
	zap.L().Info("load complete",
		zap.Int("brands", len(batch.Brands)),
		zap.Int("products", len(batch.Products)),
		zap.Int("variants", len(batch.Variants)),
		zap.Int("prices", len(batch.Prices)),
		zap.Int("ads", len(batch.Ads)),
	)
	return nil
}
