package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/openwhisper/transcriber/internal/models"
)

func newModelsCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage Whisper model files",
	}
	cmd.AddCommand(newModelsListCommand(), newModelsDownloadCommand(root), newModelsChecksumCommand(root))
	return cmd
}

func newModelsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the variants of the embedded manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			manifest, err := models.DefaultManifest()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range manifest.Names() {
				v := manifest.Variants[name]
				marker := " "
				if name == manifest.Default {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %-16s %-28s %d\n", marker, name, v.File, v.SizeBytes)
			}
			return nil
		},
	}
}

func newModelsDownloadCommand(root *rootOptions) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "download <variant>",
		Short: "Download a model into <data-dir>/models",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load(os.Stderr)
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.DataDir
			}
			manager, err := models.NewManager(filepath.Clean(dir), logger)
			if err != nil {
				return err
			}
			manifest, err := models.DefaultManifest()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Minute)
			defer cancel()
			path, err := manager.EnsureVariant(ctx, args[0], models.EnsureOptions{Manifest: manifest})
			if err != nil {
				return fmt.Errorf("ensure variant %q: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Model %q ready at %s\n", args[0], path)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "base directory (defaults to the configured data dir)")
	return cmd
}

func newModelsChecksumCommand(root *rootOptions) *cobra.Command {
	var manifestPath string
	cmd := &cobra.Command{
		Use:   "checksum",
		Short: "Refresh sizes and SHA-256 digests of a manifest file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, logger, err := root.load(os.Stderr)
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(manifestPath)
			if err != nil {
				return err
			}
			manifest, err := models.LoadManifest(bytes.NewReader(raw))
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 30 * time.Minute}
			updated, refreshErr := models.RefreshChecksums(cmd.Context(), client, manifest, logger)

			var buf bytes.Buffer
			if err := updated.Write(&buf); err != nil {
				return err
			}
			if err := os.WriteFile(manifestPath, buf.Bytes(), 0o644); err != nil {
				return err
			}
			return refreshErr
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "internal/models/embedded_manifest.json", "manifest JSON to update")
	return cmd
}
