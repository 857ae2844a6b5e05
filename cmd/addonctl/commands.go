package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/jaredcannon/addon-manager/internal/config"
	"github.com/jaredcannon/addon-manager/internal/middleware"
	"github.com/jaredcannon/addon-manager/internal/models"
	"github.com/jaredcannon/addon-manager/internal/services"
	"github.com/spf13/cobra"
)

// withManager opens the manager for the duration of fn. Ctrl-C cancels the context.
func withManager(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, m *manager) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	m, err := openManager(ctx, opts.configPath)
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(ctx, m)
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed add-ons",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, opts, func(ctx context.Context, m *manager) error {
				printAddOns(cmd.OutOrStdout(), m.orch.Local().AddOns(), nil)
				return nil
			})
		},
	}
}

func newAvailableCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "available",
		Short: "List add-ons in the remote catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, opts, func(ctx context.Context, m *manager) error {
				remote, err := m.orch.Remote()
				if err != nil {
					return err
				}
				printAddOns(cmd.OutOrStdout(), remote.AddOns(), m.orch)
				return nil
			})
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show the installation status of an add-on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, opts, func(ctx context.Context, m *manager) error {
				status, err := m.orch.Status(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], statusColor(status).Sprint(status))
				return nil
			})
		},
	}
}

func newInstallCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "install <id>...",
		Short: "Install add-ons and their dependencies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, opts, func(ctx context.Context, m *manager) error {
				result, err := m.orch.Install(ctx, args)
				return report(cmd.OutOrStdout(), result, err)
			})
		},
	}
}

func newUpdateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "update [id]...",
		Short: "Update add-ons, or every add-on with an update when none are named",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, opts, func(ctx context.Context, m *manager) error {
				result, err := m.orch.Update(ctx, args)
				return report(cmd.OutOrStdout(), result, err)
			})
		},
	}
}

func newUninstallCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <id>...",
		Short: "Uninstall add-ons and everything that depends on them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, opts, func(ctx context.Context, m *manager) error {
				out := cmd.OutOrStdout()
				progress := &services.UninstallProgress{}
				m.orch.OnUninstallProgress(func(ev models.UninstallProgressEvent) {
					progress.Apply(ev)
					if ev.Phase == models.PhaseFinishedAddOn {
						fmt.Fprintf(out, "  %s %d%%\n", ev.AddOnID, progress.Percent())
					}
				})
				result, err := m.orch.Uninstall(ctx, args)
				return report(out, result, err)
			})
		},
	}
}

func newResetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <id>",
		Short: "Clear a failed uninstall so the add-on can be selected again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, opts, func(ctx context.Context, m *manager) error {
				if err := m.orch.ClearBlocked(args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), successColor.Sprintf("%s reset to %s", args[0], models.StatusInstalled))
				return nil
			})
		},
	}
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token signed with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			token, err := middleware.GenerateToken(cfg.APISecret, subject, ttl)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), token+"\n")
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "addonctl", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
