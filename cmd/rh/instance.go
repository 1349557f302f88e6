package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/store"
	"gopkg.in/yaml.v3"
)

func newInstanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instance",
		Aliases: []string{"instances"},
		Short:   "Instance management commands",
		Long:    "Manages instance rows directly in the database. A running daemon picks up instances created or detached here on its next start; use the REST API to change instances of a running daemon.",
	}

	cmd.AddCommand(newInstanceListCmd())
	cmd.AddCommand(newInstanceCreateCmd())
	cmd.AddCommand(newInstanceDetachCmd())
	return cmd
}

// resolveInstance finds an instance by numeric id or by name.
func resolveInstance(ctx context.Context, st *store.Store, ref string) (models.Instance, error) {
	if id, err := strconv.ParseUint(ref, 10, 64); err == nil {
		return st.GetInstance(ctx, uint(id))
	}
	return st.GetInstanceByName(ctx, ref)
}

func newInstanceListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			defer db.Close(gormDB)

			insts, err := store.New(gormDB).ListInstances(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(insts) == 0 {
				fmt.Fprintln(out, "No instances.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tONLINE\tPATH\tAUTO UPDATE")
			for _, i := range insts {
				fmt.Fprintf(w, "%d\t%s\t%t\t%s\t%s\n", i.ID, i.Name, i.Online, i.Path, dash(i.AutoUpdateCron))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Roundhouse config file")
	return cmd
}

func newInstanceCreateCmd() *cobra.Command {
	var (
		configPath string
		file       string
		online     bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an instance from a YAML definition",
		Long:  "Reads one instance in the same shape as an entry of the config file's instances list, creates its directory and stores it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read instance file: %w", err)
			}
			var ic config.InstanceConfig
			if err := yaml.Unmarshal(data, &ic); err != nil {
				return fmt.Errorf("parse instance file: %w", err)
			}
			if cmd.Flags().Changed("online") {
				ic.Online = online
			}
			ic.ApplyDefaults()
			if err := ic.Validate(); err != nil {
				return err
			}
			rows, err := db.RowsFromConfig(ic)
			if err != nil {
				return err
			}

			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			defer db.Close(gormDB)

			if err := os.MkdirAll(ic.Path, 0o755); err != nil {
				return fmt.Errorf("create instance directory: %w", err)
			}
			inst, err := store.New(gormDB).CreateInstance(cmd.Context(), rows)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created instance %d (%s) at %s\n", inst.ID, inst.Name, inst.Path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Roundhouse config file")
	cmd.Flags().StringVarP(&file, "file", "f", "", "instance definition (YAML)")
	cmd.Flags().BoolVar(&online, "online", false, "override the definition's online flag")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newInstanceDetachCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "detach <id|name>",
		Short: "Forget an instance, keeping its files and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			defer db.Close(gormDB)

			ctx := cmd.Context()
			st := store.New(gormDB)
			inst, err := resolveInstance(ctx, st, args[0])
			if err != nil {
				return err
			}

			if _, err := st.GetReattach(ctx, inst.ID); err == nil {
				return fmt.Errorf("instance %s still has a server attached; stop it first", inst.Name)
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			running, err := st.ListJobs(ctx, store.JobFilter{InstanceID: inst.ID, RunningOnly: true})
			if err != nil {
				return err
			}
			if len(running) > 0 {
				return fmt.Errorf("instance %s has %d running jobs", inst.Name, len(running))
			}

			if !yes {
				ok, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(), fmt.Sprintf("Detach instance %s (%s)?", inst.Name, inst.Path))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}
			if err := st.DeleteInstance(ctx, inst.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Detached instance %d (%s); files left at %s\n", inst.ID, inst.Name, inst.Path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Roundhouse config file")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
