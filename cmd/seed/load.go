package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shishu/api/internal/platform/config"
	pfirestore "github.com/shishu/api/internal/platform/firestore"
	"github.com/shishu/api/internal/platform/observability"
	firestorerepo "github.com/shishu/api/internal/repositories/firestore"
	"github.com/shishu/api/internal/seed"
)

func newLoadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Write a catalog file to Firestore",
		RunE:  runLoadCmd,
	}
	cmd.Flags().StringP("file", "f", "", "Path to the YAML catalog")
	cmd.Flags().Bool("dry-run", false, "Print the document writes without applying them")
	cmd.Flags().String("project", "", "Firestore project id (defaults to API_FIRESTORE_PROJECT_ID)")
	cmd.Flags().Duration("timeout", 2*time.Minute, "Overall time allowed for the import")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runLoadCmd(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	path, err := flags.GetString("file")
	if err != nil {
		return err
	}
	dryRun, err := flags.GetBool("dry-run")
	if err != nil {
		return err
	}
	project, err := flags.GetString("project")
	if err != nil {
		return err
	}
	timeout, err := flags.GetDuration("timeout")
	if err != nil {
		return err
	}

	bundle, err := readCatalog(path)
	if err != nil {
		return err
	}
	if err := seed.Validate(bundle); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if dryRun {
		for _, write := range firestorerepo.CatalogWrites(bundle) {
			fmt.Fprintf(out, "set %s\n", write.Path)
		}
		return nil
	}

	logger, err := observability.NewLogger()
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("seed")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	var opts []config.Option
	if p := strings.TrimSpace(project); p != "" {
		opts = append(opts, config.WithEnvMap(map[string]string{
			"API_FIRESTORE_PROJECT_ID": p,
			"API_FIREBASE_PROJECT_ID":  p,
		}))
	}
	cfg, err := config.Load(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	provider := pfirestore.NewProvider(cfg.Firestore)
	defer func() {
		if err := provider.Close(context.Background()); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	repo, err := firestorerepo.NewContentRepository(provider)
	if err != nil {
		return err
	}
	if err := seed.Load(ctx, repo, bundle); err != nil {
		return err
	}

	summary := seed.Summarize(bundle)
	logger.Info("catalog loaded",
		zap.String("project", cfg.Firestore.ProjectID),
		zap.Int("moods", summary.Moods),
		zap.Int("images", summary.Images),
		zap.Int("blogs", summary.Blogs),
		zap.Int("letters", summary.Letters),
	)
	return nil
}
