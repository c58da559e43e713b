// @title           PACS Annotation Server API
// @version         1.0.0
// @description     Annotation and mask storage for DICOM studies. Mask files move directly between clients and the object store through presigned URLs; this API tracks the annotation hierarchy, upload sessions and project-based access.

// @host      localhost:8080
// @BasePath  /api

// @securityDefinitions.apikey Bearer
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pacs-server/internal/config"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:          "pacs-server",
		Short:        "Annotation and mask server for DICOM studies",
		SilenceUsage: true,
		RunE:         runServer,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Serve the HTTP API",
		RunE:  runServer,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE:  runMigrate,
	}

	importCmd = &cobra.Command{
		Use:   "import",
		Short: "Import a study from the DICOM archive into a project",
		RunE:  runImport,
	}

	importFlags struct {
		projectID int64
		studyUID  string
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file")

	importCmd.Flags().Int64Var(&importFlags.projectID, "project-id", 0, "project the study is scoped to")
	importCmd.Flags().StringVar(&importFlags.studyUID, "study-uid", "", "StudyInstanceUID to import")
	_ = importCmd.MarkFlagRequired("project-id")
	_ = importCmd.MarkFlagRequired("study-uid")

	rootCmd.AddCommand(runCmd, migrateCmd, importCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger every command uses.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	var log *zap.Logger
	if cfg.Environment == "production" {
		log, err = zap.NewProduction()
	} else {
		log, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, log, nil
}
