package modelcache

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewCommand creates a Cobra command tree for cache management.
// The returned command should be added to a parent CLI's root command.
//
// Commands provided:
//   - models status
//   - models list [--seed]
//   - models ensure-seeds
//   - models fetch <id>
//   - models verify <id>
//   - models records list|save|show|delete
//   - models prune
//
// Global flags: --json, --quiet
func NewCommand(cfg Config, m Manifest, opts ...ManagerOption) *cobra.Command {
	var (
		jsonOutput bool
		quiet      bool
	)

	// Manager will be created in PersistentPreRunE
	var mgr Manager

	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage cached model artifacts",
		Long:  "Acquire, verify, and manage model artifacts in the encrypted local cache.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}
			var err error
			mgr, err = NewManager(cfg, m, opts...)
			if err != nil {
				return fmt.Errorf("failed to initialize manager: %w", err)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if mgr != nil {
				return mgr.Close()
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	cmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-essential output")

	cmd.AddCommand(statusCmd(&mgr, &jsonOutput))
	cmd.AddCommand(listCmd(&mgr, &jsonOutput))
	cmd.AddCommand(ensureSeedsCmd(&mgr, &quiet))
	cmd.AddCommand(fetchCmd(&mgr, &quiet))
	cmd.AddCommand(verifyCmd(&mgr, &quiet))
	cmd.AddCommand(recordsCmd(&mgr, &jsonOutput))
	cmd.AddCommand(pruneCmd(&mgr, &quiet))

	return cmd
}

func statusCmd(mgr *Manager, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cache status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := (*mgr).Status(cmd.Context())
			if err != nil {
				return err
			}

			if *jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(status)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tSIZE\tSEED\tREADY\tIN-FLIGHT\tCHECKPOINT")
			for _, a := range status.Artifacts {
				fmt.Fprintf(w, "%s\t%s\t%d\t%v\t%v\t%v\t%d\n",
					a.Descriptor.ID, a.Descriptor.Kind, a.Descriptor.SizeBytes,
					a.Descriptor.IsSeed, a.Ready, a.InFlight, a.CheckpointBytes)
			}
			w.Flush()
			if status.Usage.QuotaBytes > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "usage: %d / %d bytes\n",
					status.Usage.UsedBytes, status.Usage.QuotaBytes)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "usage: %d bytes (no quota)\n", status.Usage.UsedBytes)
			}
			return nil
		},
	}
}

func listCmd(mgr *Manager, jsonOutput *bool) *cobra.Command {
	var seedOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registry artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := (*mgr).Status(cmd.Context())
			if err != nil {
				return err
			}

			var artifacts []ArtifactStatus
			for _, a := range status.Artifacts {
				if seedOnly && !a.Descriptor.IsSeed {
					continue
				}
				artifacts = append(artifacts, a)
			}

			if *jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(artifacts)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tVERSION\tQUANT\tLICENSE\tREADY")
			for _, a := range artifacts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\n",
					a.Descriptor.ID, a.Descriptor.Name, a.Descriptor.Version,
					a.Descriptor.Quantization, a.Descriptor.License, a.Ready)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&seedOnly, "seed", false, "Only list seed artifacts")
	return cmd
}

func ensureSeedsCmd(mgr *Manager, quiet *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-seeds",
		Short: "Materialize bundled seed artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (*mgr).EnsureSeedArtifacts(cmd.Context()); err != nil {
				return err
			}
			if !*quiet {
				fmt.Fprintln(cmd.OutOrStdout(), "seed artifacts ready")
			}
			return nil
		},
	}
}

func fetchCmd(mgr *Manager, quiet *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <id>",
		Short: "Download an artifact, resuming any prior checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			if !*quiet {
				cancel := (*mgr).Subscribe(id, func(ev ProgressEvent) {
					switch ev.Status {
					case StatusDownloading:
						fmt.Fprintf(cmd.OutOrStdout(), "\rdownloading %s: %.1f%% (%d/%d bytes)",
							id, ev.Percentage, ev.BytesDownloaded, ev.TotalBytes)
					case StatusVerifying:
						fmt.Fprintf(cmd.OutOrStdout(), "\nverifying %s...", id)
					case StatusComplete:
						fmt.Fprintf(cmd.OutOrStdout(), "\n%s ready\n", id)
					case StatusError:
						fmt.Fprintf(cmd.OutOrStdout(), "\nfailed: %s\n", ev.Err)
					}
				})
				defer cancel()
			}

			return (*mgr).Fetch(cmd.Context(), id)
		},
	}
}

func verifyCmd(mgr *Manager, quiet *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <id>",
		Short: "Re-verify a cached artifact against its checksum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blob, err := (*mgr).AcquireForInference(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !*quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "%s verified (%d bytes)\n", args[0], len(blob))
			}
			return nil
		},
	}
}

func recordsCmd(mgr *Manager, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Manage encrypted user records",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := (*mgr).ListRecords(cmd.Context())
			if err != nil {
				return err
			}
			if *jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(records)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREATED\tSIZE")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%d\n", r.ID, r.CreatedAt.Format("2006-01-02 15:04:05"), r.SizeBytes)
			}
			return w.Flush()
		},
	}

	var saveID string
	saveCmd := &cobra.Command{
		Use:   "save",
		Short: "Seal and store a record read from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			plaintext, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading record from stdin: %w", err)
			}
			id, err := (*mgr).SaveRecord(cmd.Context(), saveID, plaintext)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	saveCmd.Flags().StringVar(&saveID, "id", "", "Record id (generated if empty)")

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Decrypt and print a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plaintext, err := (*mgr).LoadRecord(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(plaintext)
			return err
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return (*mgr).DeleteRecord(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(listCmd, saveCmd, showCmd, deleteCmd)
	return cmd
}

func pruneCmd(mgr *Manager, quiet *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete all partial-download checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (*mgr).PruneCheckpoints(cmd.Context()); err != nil {
				return err
			}
			if !*quiet {
				fmt.Fprintln(cmd.OutOrStdout(), "checkpoints cleared")
			}
			return nil
		},
	}
}
