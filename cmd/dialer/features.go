package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"colldialer/internal/config"
	"colldialer/internal/database"
	"colldialer/internal/models"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// featuresFile is the YAML layout of a feature settings seed file.
type featuresFile struct {
	Features []struct {
		Name       string `yaml:"name"`
		Active     bool   `yaml:"active"`
		Parameters any    `yaml:"parameters"`
	} `yaml:"features"`
}

type featureStore interface {
	GetFeatureSetting(ctx context.Context, name string) (*models.FeatureSetting, error)
	UpsertFeatureSetting(ctx context.Context, fs *models.FeatureSetting) error
}

var featuresPath string

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "Manage bucket feature settings",
}

var featuresImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Create or replace feature settings from a YAML file",
	Long: `Create or replace feature settings from a YAML file:

  features:
    - name: dialer_batch_size
      active: true
      parameters:
        b1: 2000`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		db, err := database.NewDB(cfg.Database.Path, nil)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		f, err := os.Open(featuresPath)
		if err != nil {
			return fmt.Errorf("read features: %w", err)
		}
		defer f.Close()

		created, updated, err := importFeatures(cmd.Context(), db, f)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "done: created=%d updated=%d\n", created, updated)
		return nil
	},
}

func init() {
	featuresImportCmd.Flags().StringVarP(&featuresPath, "file", "f", "configs/features.yaml", "Path to features YAML")
	featuresCmd.AddCommand(featuresImportCmd)
	rootCmd.AddCommand(featuresCmd)
}

func importFeatures(ctx context.Context, store featureStore, r io.Reader) (created, updated int, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var file featuresFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return 0, 0, fmt.Errorf("parse features: %w", err)
	}
	if len(file.Features) == 0 {
		return 0, 0, fmt.Errorf("no features in yaml")
	}

	for _, f := range file.Features {
		if f.Name == "" {
			continue
		}
		params := []byte("{}")
		if f.Parameters != nil {
			if params, err = json.Marshal(f.Parameters); err != nil {
				return created, updated, fmt.Errorf("encode parameters of %s: %w", f.Name, err)
			}
		}

		existing, err := store.GetFeatureSetting(ctx, f.Name)
		if err != nil {
			return created, updated, fmt.Errorf("get %s: %w", f.Name, err)
		}
		if err := store.UpsertFeatureSetting(ctx, &models.FeatureSetting{Name: f.Name, IsActive: f.Active, Parameters: params}); err != nil {
			return created, updated, fmt.Errorf("upsert %s: %w", f.Name, err)
		}
		if existing == nil {
			created++
		} else {
			updated++
		}
	}
	return created, updated, nil
}
