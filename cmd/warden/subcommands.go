package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/warden-sh/warden/internal/catalog"
	"github.com/warden-sh/warden/internal/core"
	"github.com/warden-sh/warden/internal/restapi"
	"github.com/warden-sh/warden/pkg/api"
)

// Resolve configuration, with --root overrides applied on top.
func resolveConfig(cmd *cobra.Command) (core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return core.Config{}, err
	}
	if roots, _ := cmd.Flags().GetStringSlice("root"); len(roots) > 0 {
		cfg.Roots = nil
		for _, dir := range roots {
			cfg.Roots = append(cfg.Roots, core.RootConfig{Dir: dir})
		}
	}
	return cfg, nil
}

// Bring the fleet up and supervise it in the foreground
func newUpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Discover, launch, and supervise the fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if len(cfg.Roots) == 0 {
				return fmt.Errorf("no scan roots configured; set roots in the config file or pass --root")
			}

			w, err := core.New(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := w.Up(ctx); err != nil {
				return err
			}

			apiCtx, apiCancel := context.WithCancel(context.Background())
			defer apiCancel()
			go func() {
				handler := restapi.NewHandler(w, cfg.API.TokenHash)
				if err := restapi.Serve(apiCtx, cfg.API.Listen, handler); err != nil {
					log.Error().Err(err).Msg("operator API failed")
				}
			}()
			log.Info().Str("addr", cfg.API.Listen).Msg("operator API listening")

			<-ctx.Done()
			log.Info().Msg("signal received, shutting down fleet")
			apiCancel()
			return w.Shutdown(context.Background())
		},
	}
	cmd.Flags().StringSlice("root", nil, "directory to scan for servers (repeatable, overrides config)")
	return cmd
}

// One-shot catalog scan
func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Discover servers without launching anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if len(cfg.Roots) == 0 {
				return fmt.Errorf("no scan roots configured; set roots in the config file or pass --root")
			}
			scanner := catalog.NewScanner(cfg.AllowNames, cfg.ExcludeDirs)
			var roots []catalog.RootSpec
			for _, r := range cfg.Roots {
				roots = append(roots, catalog.RootSpec{Dir: r.Dir, KindHint: api.ServerKind(r.KindHint)})
			}
			descs, err := scanner.Scan(roots)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tPORT\tDESCRIPTION")
			for _, d := range descs {
				port := "-"
				if d.DeclaredPort != nil {
					port = fmt.Sprintf("%d", *d.DeclaredPort)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.ID, d.Kind, port, d.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringSlice("root", nil, "directory to scan for servers (repeatable, overrides config)")
	return cmd
}

// Show fleet state from a running supervisor
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the fleet state of a running supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			var snap api.FleetSnapshot
			if err := c.get("/fleet", &snap); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INSTANCE\tSTATUS\tPORT\tPID\tRESTARTS")
			for _, inst := range snap.Instances {
				fmt.Fprintf(tw, "%s/%d\t%s\t%d\t%d\t%d\n",
					inst.DescriptorID, inst.Index, inst.Status, inst.Port, inst.PID, inst.RestartCount)
			}
			return tw.Flush()
		},
	}
	addClientFlags(cmd)
	return cmd
}

// Trigger an immediate full rescan
func newRescanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rescan",
		Short: "Trigger an immediate catalog rescan on a running supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			var added []string
			if err := c.post("/rescan", &added); err != nil {
				return err
			}
			if len(added) == 0 {
				fmt.Println("no new servers")
				return nil
			}
			for _, id := range added {
				fmt.Printf("discovered: %s\n", id)
			}
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

// Force-quarantine an instance
func newQuarantineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarantine <server> <index>",
		Short: "Force-quarantine one instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			path := fmt.Sprintf("/servers/%s/instances/%s/quarantine", args[0], args[1])
			if err := c.post(path, nil); err != nil {
				return err
			}
			fmt.Printf("quarantined %s/%s\n", args[0], args[1])
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

// Reinstate a quarantined instance
func newReinstateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reinstate <server> <index>",
		Short: "Reinstate a quarantined instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			path := fmt.Sprintf("/servers/%s/instances/%s/reinstate", args[0], args[1])
			if err := c.post(path, nil); err != nil {
				return err
			}
			fmt.Printf("reinstated %s/%s\n", args[0], args[1])
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

// Gracefully stop a running supervisor
func newStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Gracefully stop a running supervisor and its fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			if err := c.post("/shutdown", nil); err != nil {
				return err
			}
			fmt.Println("shutdown requested")
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

// Show archived lifecycle events
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [instance]",
		Short: "Show archived lifecycle events from the state database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			store, err := core.OpenStore(filepath.Join(cfg.StateDir, "warden.db"))
			if err != nil {
				return err
			}
			defer store.Close()

			instance := ""
			if len(args) == 1 {
				instance = args[0]
			}
			events, err := store.Events(instance, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tINSTANCE\tEVENT\tDETAIL")
			for _, e := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.At.Format("2006-01-02 15:04:05"), e.Instance, e.Event, e.Detail)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int("limit", 50, "maximum number of events to show")
	return cmd
}
