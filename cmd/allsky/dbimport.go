package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikeyg42/allsky/internal/config"
	"github.com/mikeyg42/allsky/internal/database"
)

// newDBImportCmd rebuilds frame metadata from an image tree, for recovering
// a lost database or adopting images captured before the store existed.
func newDBImportCmd(flags *rootFlags) *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "db-import",
		Short: "Import existing images into the metadata store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			if flags.cameraID != 0 {
				cfg.Camera.ID = flags.cameraID
			}
			log, err := newLogger(flags.logLevel)
			if err != nil {
				return err
			}
			defer log.Sync()

			store, err := database.Open(cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			if root == "" {
				root = cfg.Image.OutputDir
			}

			added, err := store.ImportImages(root, int32(cfg.Camera.ID))
			if err != nil {
				return err
			}
			log.Info("import complete",
				zap.String("root", root), zap.Int("added", added))
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "dir", "", "image tree to import (default: configured output dir)")
	return cmd
}
