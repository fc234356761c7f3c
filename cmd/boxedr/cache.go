package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func (a *app) cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the persistent package cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the cached library for the current generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, cleanup, err := a.session(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer cleanup()

			m, err := sess.CacheStatus(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if m == nil {
				fmt.Fprintf(out, "no cached library for generation %s\n", sess.GenerationTag())
				return nil
			}
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(map[string]any{
				"generation_tag": m.GenerationTag,
				"files":          m.Files,
				"total_bytes":    m.TotalBytes,
				"created_at":     m.CreatedAt,
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "wipe",
		Short: "Remove every cached library generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, cleanup, err := a.session(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := sess.WipeCache(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cache wiped")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "persist",
		Short: "Ask the store to make cached data durable",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, cleanup, err := a.session(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer cleanup()

			durable, err := sess.PersistStorage(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "durable: %t\n", durable)
			return nil
		},
	})
	return cmd
}

const redacted = "<redacted>"

func (a *app) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *a.cfg
			if cfg.Store.S3.SecretAccessKey != "" {
				cfg.Store.S3.SecretAccessKey = redacted
			}
			if cfg.Store.Redis.Password != "" {
				cfg.Store.Redis.Password = redacted
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}
