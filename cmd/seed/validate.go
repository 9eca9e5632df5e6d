package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	domain "github.com/shishu/api/internal/domain"
	"github.com/shishu/api/internal/seed"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate a catalog file",
		RunE:  runValidateCmd,
	}
	cmd.Flags().StringP("file", "f", "", "Path to the YAML catalog")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runValidateCmd(cmd *cobra.Command, _ []string) error {
	path, err := cmd.Flags().GetString("file")
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
	summary := seed.Summarize(bundle)
	fmt.Fprintf(cmd.OutOrStdout(), "catalog ok: %d moods, %d images, %d blogs, %d letters\n",
		summary.Moods, summary.Images, summary.Blogs, summary.Letters)
	return nil
}

func readCatalog(path string) (domain.ContentBundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.ContentBundle{}, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return seed.Parse(f)
}
