package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/vibeproc/vibeprocessd/internal/instance"
	"github.com/vibeproc/vibeprocessd/internal/vpconfig"
	"github.com/vibeproc/vibeprocessd/pkg/template"
)

func toTemplate(s vpconfig.TemplateSeed) *template.Template {
	return &template.Template{
		ID: s.ID, Label: s.Label, Command: s.Command,
		Resources: s.Resources, Vars: s.Vars, Action: s.Action,
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func newStartCmd(env *appEnv) *cobra.Command {
	var vars map[string]string
	cmd := &cobra.Command{
		Use:   "start <template> <name>",
		Short: "start a new instance from a template",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tmplID, name := args[0], args[1]
			tmpl := env.state.Templates()[tmplID]
			if tmpl == nil {
				return fmt.Errorf("template %s not found", tmplID)
			}
			inst, err := env.mgr.Start(tmpl, name, vars)
			if err != nil {
				return err
			}
			printJSON(inst)
			return nil
		},
	}
	cmd.Flags().StringToStringVar(&vars, "var", nil, "template variable override, may be repeated")
	return cmd
}

func newStopCmd(env *appEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <name>",
		Short: "stop a running instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.mgr.Stop(args[0])
		},
	}
}

func newRestartCmd(env *appEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <name>",
		Short: "restart a stopped instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := env.mgr.Restart(args[0])
			if err != nil {
				return err
			}
			printJSON(inst)
			return nil
		},
	}
}

func newDeleteCmd(env *appEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "stop (if running and managed) and remove an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.mgr.Delete(args[0])
		},
	}
}

func newPSCmd(env *appEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "list known instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			env.state.Lock()
			out := make(map[string]any, len(env.state.Instances()))
			for name, inst := range env.state.Instances() {
				out[name] = inst
			}
			env.state.Unlock()
			printJSON(out)
			return nil
		},
	}
}

func newDiscoverCmd(env *appEnv) *cobra.Command {
	var portsOnly bool
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "enumerate processes not already tracked as instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			printJSON(env.mgr.DiscoverAll(portsOnly))
			return nil
		},
	}
	cmd.Flags().BoolVar(&portsOnly, "ports-only", true, "only include processes with at least one listening port")
	return cmd
}

func newDiscoverPortCmd(env *appEnv) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "discover-port <port>",
		Short: "adopt the process listening on port as a new instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid port %q: %w", args[0], err)
			}
			info := env.mgr.DiscoverOnPort(port)
			if info == nil {
				return fmt.Errorf("no process found listening on port %d", port)
			}
			if name == "" {
				name = fmt.Sprintf("port-%d", port)
			}
			inst, err := env.mgr.Monitor(info.PID, name)
			if err != nil {
				return err
			}
			printJSON(inst)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "instance name to assign (default port-<N>)")
	return cmd
}

func newInspectCmd(env *appEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <pid>",
		Short: "print what the probe knows about a running process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid pid %q: %w", args[0], err)
			}
			info := env.mgr.Discover(pid)
			if info == nil {
				return fmt.Errorf("pid %d not found", pid)
			}
			printJSON(info)
			return nil
		},
	}
}

func newTemplateCmd(env *appEnv) *cobra.Command {
	root := &cobra.Command{Use: "template", Short: "manage templates"}
	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			printJSON(env.state.Templates())
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Args:  cobra.ExactArgs(1),
		Short: "show one template",
		RunE: func(cmd *cobra.Command, args []string) error {
			tmpl := env.state.Templates()[args[0]]
			if tmpl == nil {
				return fmt.Errorf("template %s not found", args[0])
			}
			printJSON(tmpl)
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "add <file.json>",
		Args:  cobra.ExactArgs(1),
		Short: "add a template from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var tmpl template.Template
			if err := json.Unmarshal(raw, &tmpl); err != nil {
				return err
			}
			env.state.Lock()
			env.state.Templates()[tmpl.ID] = &tmpl
			env.state.Unlock()
			return env.state.Save()
		},
	})
	return root
}

func newResourceTypeCmd(env *appEnv) *cobra.Command {
	root := &cobra.Command{Use: "resource-type", Short: "manage resource types"}
	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list resource types",
		RunE: func(cmd *cobra.Command, args []string) error {
			printJSON(env.state.Types())
			return nil
		},
	})
	root.AddCommand(newResourceTypeAddCmd(env))
	return root
}

func newResourceTypeAddCmd(env *appEnv) *cobra.Command {
	var check string
	var counter bool
	var start, end int
	cmd := &cobra.Command{
		Use:   "add <name>",
		Args:  cobra.ExactArgs(1),
		Short: "add a resource type",
		RunE: func(cmd *cobra.Command, args []string) error {
			env.regAddType(env.state, vpconfig.ResourceTypeSeed{
				Name: args[0], Check: check, Counter: counter, Start: start, End: end,
			})
			return env.state.Save()
		},
	}
	cmd.Flags().StringVar(&check, "check", "", "shell availability check, ${value} placeholder")
	cmd.Flags().BoolVar(&counter, "counter", false, "auto-incrementing counter type")
	cmd.Flags().IntVar(&start, "start", 0, "counter range start")
	cmd.Flags().IntVar(&end, "end", 0, "counter range end")
	return cmd
}

func newDaemonCmd(env *appEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "run the reconcile sweep until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(env)
		},
	}
}

func runDaemon(env *appEnv) error {
	interval := time.Duration(env.cfg.ReconcileIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	env.log.Info("daemon starting", "reconcile_interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sig := make(chan os.Signal, 1)
	registerShutdownSignals(sig)

	for {
		select {
		case <-ticker.C:
			env.mgr.ReconcileAndReattach()
		case <-sig:
			env.log.Info("daemon shutting down")
			return nil
		}
	}
}

func newActionCmd(env *appEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "action <name>",
		Short: "run an instance's configured action command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env.state.Lock()
			inst := env.state.Instances()[args[0]]
			env.state.Unlock()
			if inst == nil {
				return fmt.Errorf("instance %s not found", args[0])
			}
			if err := instance.ExecuteAction(inst.Action); err != nil {
				return err
			}
			fmt.Println("executed")
			return nil
		},
	}
}
