package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rl1809/profile-store/internal/adapter/storage"
	"github.com/rl1809/profile-store/internal/config"
	"github.com/rl1809/profile-store/internal/core/domain"
	"github.com/rl1809/profile-store/internal/port"
)

const commandTimeout = 30 * time.Second

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "profilectl",
		Short:        "Inspect stored profiles and the save audit log",
		SilenceUsage: true,
	}
	root.AddCommand(newAuditCmd(), newProfileCmd())
	return root
}

func newAuditCmd() *cobra.Command {
	var (
		dbPath string
		key    string
		limit  int
		asJSON bool
	)

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Read writes that were blocked or never reached the backend",
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List audit records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			store, err := storage.OpenAuditStore(ctx, dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListAudit(ctx, key, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			return writeAuditTable(cmd.OutOrStdout(), records)
		},
	}
	listCmd.Flags().StringVar(&dbPath, "db", envOr("PROFILE_STORE_AUDIT_DB", "data/audit.db"), "audit database path")
	listCmd.Flags().StringVar(&key, "key", "", "only show records for this profile key")
	listCmd.Flags().IntVar(&limit, "limit", 50, "maximum records to show")
	listCmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")

	auditCmd.AddCommand(listCmd)
	return auditCmd
}

func newProfileCmd() *cobra.Command {
	var backend string

	profileCmd := &cobra.Command{
		Use:   "profile",
		Short: "Read profiles straight from the backend",
	}
	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print the stored profile for key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if backend != "" {
				cfg.Backend = backend
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			bc := cfg.BackendConfig(slog.New(slog.NewTextHandler(io.Discard, nil)))
			bc.ReadOnly = true
			store, closeStore, err := storage.Open(ctx, bc)
			if err != nil {
				return err
			}
			defer closeStore()

			return printProfile(ctx, cmd.OutOrStdout(), store, args[0])
		},
	}
	getCmd.Flags().StringVar(&backend, "backend", "", "backend to read from (redis, mysql or badger); defaults to PROFILE_STORE_BACKEND")

	profileCmd.AddCommand(getCmd)
	return profileCmd
}

func printProfile(ctx context.Context, w io.Writer, store port.RemoteStore, key string) error {
	blob, found, err := store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if !found {
		return fmt.Errorf("no stored profile for %s", key)
	}
	p, err := domain.DecodeProfile(blob)
	if err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return writeJSON(w, map[string]any{
		"key":           key,
		"persistentId":  p.PersistentID,
		"schemaVersion": p.SchemaVersion,
		"dataVersion":   p.DataVersion,
		"updatedAt":     p.UpdatedAt,
		"summary":       p.Summary(),
		"core":          p.Core,
		"inventory":     p.Inventory,
	})
}

func writeAuditTable(w io.Writer, records []port.AuditRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tKEY\tKIND\tCODE\tREASON\tATTEMPTS\tBALANCE")
	for _, r := range records {
		old := "-"
		if r.Old != nil {
			old = fmt.Sprint(r.Old.Balance)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s -> %d\n",
			r.CreatedAt.Format(time.RFC3339), r.Key, r.Kind, r.ReasonCode, r.SaveReason, r.Attempts, old, r.New.Balance)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
