package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/mikepea/flux/pkg/flux/config"
	"github.com/mikepea/flux/pkg/flux/importexport"
	"github.com/mikepea/flux/pkg/flux/licensing"
	"github.com/mikepea/flux/pkg/flux/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// keysEnv is what every keys subcommand works against
type keysEnv struct {
	db       *gorm.DB
	licenses *licensing.Service
	logger   zerolog.Logger
}

// withKeys loads the config, opens the database and runs fn
func withKeys(cmd *cobra.Command, fn func(env *keysEnv) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.NewWithWriter(cmd.ErrOrStderr(), "warn", Version)

	db, err := openDatabase(cfg, logger)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	return fn(&keysEnv{db: db, licenses: licensing.NewService(db, logger), logger: logger})
}

func parseKeyID(arg string) (uint, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid key id %q", arg)
	}
	return uint(id), nil
}

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage license keys directly in the database",
	}

	cmd.AddCommand(
		newKeysCreateCmd(),
		newKeysListCmd(),
		newKeysRevokeCmd(),
		newKeysDeleteCmd(),
		newKeysSetLimitCmd(),
		newKeysExportCmd(),
		newKeysImportCmd(),
	)

	return cmd
}

func newKeysCreateCmd() *cobra.Command {
	var (
		owner          string
		maxActivations int
		days           int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new license key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeys(cmd, func(env *keysEnv) error {
				key, err := env.licenses.CreateKey(cmd.Context(), licensing.CreateKeyInput{
					Owner:          owner,
					MaxActivations: maxActivations,
					ValidDays:      days,
				})
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintln(out, key.KeyValue)
				fmt.Fprintf(out, "  ID:              %d\n", key.ID)
				fmt.Fprintf(out, "  Max activations: %d\n", key.MaxActivations)
				if key.ExpiresAt != nil {
					fmt.Fprintf(out, "  Expires:         %s\n", key.ExpiresAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner of the key (email or customer name)")
	cmd.Flags().IntVar(&maxActivations, "max", 1, "Maximum number of machines bound at once")
	cmd.Flags().IntVar(&days, "days", 0, "Days until the key expires (0 never expires)")

	return cmd
}

func newKeysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List license keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeys(cmd, func(env *keysEnv) error {
				summaries, err := env.licenses.ListKeys(cmd.Context())
				if err != nil {
					return err
				}
				printKeys(cmd.OutOrStdout(), summaries, time.Now())
				return nil
			})
		},
	}
}

func printKeys(out io.Writer, summaries []licensing.KeySummary, now time.Time) {
	if len(summaries) == 0 {
		fmt.Fprintln(out, "No license keys.")
		return
	}

	fmt.Fprintf(out, "%-6s %-34s %-8s %-9s %-20s %s\n", "ID", "KEY", "STATUS", "ACTIVE", "EXPIRES", "OWNER")
	for _, s := range summaries {
		status := string(s.Status)
		if !s.IsRevoked() && s.IsExpired(now) {
			status = "expired"
		}
		expires := "never"
		if s.ExpiresAt != nil {
			expires = s.ExpiresAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(out, "%-6d %-34s %-8s %-9s %-20s %s\n",
			s.ID, s.KeyValue, status,
			fmt.Sprintf("%d/%d", s.ActiveCount, s.MaxActivations),
			expires, s.Owner)
	}
}

func newKeysRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a license key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseKeyID(args[0])
			if err != nil {
				return err
			}
			return withKeys(cmd, func(env *keysEnv) error {
				key, err := env.licenses.RevokeKey(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", key.KeyValue)
				return nil
			})
		},
	}
}

func newKeysDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a license key and all of its activations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseKeyID(args[0])
			if err != nil {
				return err
			}
			return withKeys(cmd, func(env *keysEnv) error {
				if err := env.licenses.DeleteKey(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted key %d\n", id)
				return nil
			})
		},
	}
}

func newKeysSetLimitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-limit <id> <max>",
		Short: "Change how many machines a key may be bound to",
		Long: `Change how many machines a key may be bound to.

Lowering the limit below the current number of activations keeps the
existing machines; new activations are refused until enough are removed.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseKeyID(args[0])
			if err != nil {
				return err
			}
			maxActivations, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid max activations %q", args[1])
			}
			return withKeys(cmd, func(env *keysEnv) error {
				summary, err := env.licenses.SetMaxActivations(cmd.Context(), id, maxActivations)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d/%d activations\n",
					summary.KeyValue, summary.ActiveCount, summary.MaxActivations)
				return nil
			})
		},
	}
}

func newKeysExportCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write all keys and activations as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeys(cmd, func(env *keysEnv) error {
				doc, err := importexport.NewService(env.db, env.logger).Export(cmd.Context())
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if output != "" && output != "-" {
					f, err := os.Create(output)
					if err != nil {
						return fmt.Errorf("create %s: %w", output, err)
					}
					defer f.Close()
					out = f
				}

				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(doc)
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "File to write (default stdout)")

	return cmd
}

func newKeysImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Load keys from a JSON export",
		Long: `Load keys from a JSON export.

Keys whose value was ever issued by this server are skipped, including
keys that have since been deleted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var doc importexport.Document
			if err := json.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}

			return withKeys(cmd, func(env *keysEnv) error {
				result, err := importexport.NewService(env.db, env.logger).Import(cmd.Context(), &doc)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Imported %d, skipped %d\n", result.Imported, result.Skipped)
				for _, e := range result.Errors {
					fmt.Fprintf(out, "  - %s\n", e)
				}
				return nil
			})
		},
	}
}
