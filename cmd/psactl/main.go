// Command psactl manages kernel-resident packet-processing pipelines:
// loading compiled objects into the pinned namespace, attaching and
// detaching network ports, and inspecting pipeline state.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/p4ebpf/psactl"
	"github.com/p4ebpf/psactl/bpffs"
	"github.com/p4ebpf/psactl/config"
	"github.com/p4ebpf/psactl/lock"
	"github.com/p4ebpf/psactl/logging"
	"github.com/p4ebpf/psactl/pipeline"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "psactl:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "psactl",
		Usage: "control-plane for kernel-resident packet-processing pipelines",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "config file path",
				Value: config.DefaultConfigPath,
			},
			&cli.StringFlag{
				Name:  "log",
				Usage: "log spec, e.g. \"info\" or \"warn,pipeline=debug\"",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log output format: text or json",
			},
			&cli.StringFlag{
				Name:  "bpffs",
				Usage: "bpffs mount root (overrides config)",
			},
		},
		Commands: []*cli.Command{
			pipelineCommand(),
			addPortCommand(),
			delPortCommand(),
			portsCommand(),
			objectsCommand(),
		},
	}
}

// runtime is the per-invocation wiring: config, logger and manager.
type runtime struct {
	cfg     config.Config
	paths   config.Paths
	logger  *slog.Logger
	manager *pipeline.Manager
}

func newRuntime(c *cli.Context) (*runtime, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if root := c.String("bpffs"); root != "" {
		cfg.BPF.MountRoot = root
	}

	format, err := logging.ParseFormat(firstNonEmpty(c.String("log-format"), cfg.Logging.Format))
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Options{
		CLISpec:    c.String("log"),
		EnvSpec:    os.Getenv(logging.EnvSpec),
		ConfigSpec: cfg.Logging.Level,
		Format:     format,
	})
	if err != nil {
		return nil, err
	}

	paths := cfg.Paths()
	return &runtime{
		cfg:     cfg,
		paths:   paths,
		logger:  logger,
		manager: pipeline.NewManager(paths, logger),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// locked serializes a mutating operation against concurrent psactl
// invocations on the same mount root.
func (rt *runtime) locked(ctx context.Context, fn func(context.Context) error) error {
	return lock.Run(ctx, rt.paths.LockPath(), fn)
}

func parsePipelineID(arg string) (psactl.Pipeline, error) {
	n, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid pipeline id %q: %w", arg, psactl.ErrInvalidInput)
	}
	return psactl.Pipeline(n), nil
}

// requireArgs enforces an exact positional argument count.
func requireArgs(c *cli.Context, usage string, n int) error {
	if c.Args().Len() != n {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}

func pipelineCommand() *cli.Command {
	return &cli.Command{
		Name:  "pipeline",
		Usage: "load, unload and inspect pipelines",
		Subcommands: []*cli.Command{
			{
				Name:      "load",
				Usage:     "load a compiled pipeline object",
				ArgsUsage: "ID OBJECT",
				Action: func(c *cli.Context) error {
					if err := requireArgs(c, "psactl pipeline load ID OBJECT", 2); err != nil {
						return err
					}
					rt, err := newRuntime(c)
					if err != nil {
						return err
					}
					id, err := parsePipelineID(c.Args().Get(0))
					if err != nil {
						return err
					}
					objPath := c.Args().Get(1)

					if err := bpffs.EnsureMounted(bpffs.DefaultMountInfoPath, rt.paths.Root); err != nil {
						return err
					}
					return rt.locked(c.Context, func(context.Context) error {
						if rt.manager.Exists(id) {
							return fmt.Errorf("%s already loaded", id)
						}
						return rt.manager.Load(id, objPath)
					})
				},
			},
			{
				Name:      "unload",
				Usage:     "remove a pipeline's pinned namespace",
				ArgsUsage: "ID",
				Action: func(c *cli.Context) error {
					if err := requireArgs(c, "psactl pipeline unload ID", 1); err != nil {
						return err
					}
					rt, err := newRuntime(c)
					if err != nil {
						return err
					}
					id, err := parsePipelineID(c.Args().Get(0))
					if err != nil {
						return err
					}
					return rt.locked(c.Context, func(context.Context) error {
						return rt.manager.Unload(id)
					})
				},
			},
			{
				Name:      "show",
				Usage:     "show a pipeline's flavor, load time and ports",
				ArgsUsage: "ID",
				Action: func(c *cli.Context) error {
					if err := requireArgs(c, "psactl pipeline show ID", 1); err != nil {
						return err
					}
					rt, err := newRuntime(c)
					if err != nil {
						return err
					}
					id, err := parsePipelineID(c.Args().Get(0))
					if err != nil {
						return err
					}
					return showPipeline(rt, id)
				},
			},
		},
	}
}

func showPipeline(rt *runtime, id psactl.Pipeline) error {
	if !rt.manager.Exists(id) {
		return fmt.Errorf("%s: %w", id, psactl.ErrNotFound)
	}

	flavor := "xdp"
	if rt.manager.TCBased(id) {
		flavor = "tc"
	}
	fmt.Printf("%s:\n", id)
	fmt.Printf("  flavor: %s\n", flavor)
	fmt.Printf("  egress program: %t\n", rt.manager.HasEgressProgram(id))

	if ts := rt.manager.LoadTimestamp(id); !ts.IsZero() {
		fmt.Printf("  loaded: %s\n", ts.Format("2006-01-02 15:04:05"))
	}

	ports, err := rt.manager.Ports(id)
	if err != nil {
		return err
	}
	for _, p := range ports {
		fmt.Printf("  port: %s (%d)\n", p.Name, p.Ifindex)
	}
	return nil
}

func addPortCommand() *cli.Command {
	return &cli.Command{
		Name:      "add-port",
		Usage:     "attach an interface to a pipeline",
		ArgsUsage: "ID INTERFACE",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, "psactl add-port ID INTERFACE", 2); err != nil {
				return err
			}
			rt, err := newRuntime(c)
			if err != nil {
				return err
			}
			id, err := parsePipelineID(c.Args().Get(0))
			if err != nil {
				return err
			}
			return rt.locked(c.Context, func(context.Context) error {
				portID, err := rt.manager.AddPort(id, c.Args().Get(1))
				if err != nil {
					return err
				}
				fmt.Println(portID)
				return nil
			})
		},
	}
}

func delPortCommand() *cli.Command {
	return &cli.Command{
		Name:      "del-port",
		Usage:     "detach an interface from a pipeline",
		ArgsUsage: "ID INTERFACE",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, "psactl del-port ID INTERFACE", 2); err != nil {
				return err
			}
			rt, err := newRuntime(c)
			if err != nil {
				return err
			}
			id, err := parsePipelineID(c.Args().Get(0))
			if err != nil {
				return err
			}
			return rt.locked(c.Context, func(context.Context) error {
				return rt.manager.DelPort(id, c.Args().Get(1))
			})
		},
	}
}

func portsCommand() *cli.Command {
	return &cli.Command{
		Name:      "ports",
		Usage:     "list interfaces attached to a pipeline",
		ArgsUsage: "ID",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, "psactl ports ID", 1); err != nil {
				return err
			}
			rt, err := newRuntime(c)
			if err != nil {
				return err
			}
			id, err := parsePipelineID(c.Args().Get(0))
			if err != nil {
				return err
			}
			ports, err := rt.manager.Ports(id)
			if err != nil {
				return err
			}
			for _, p := range ports {
				fmt.Printf("%d\t%s\n", p.Ifindex, p.Name)
			}
			return nil
		},
	}
}

func objectsCommand() *cli.Command {
	return &cli.Command{
		Name:      "objects",
		Usage:     "list a pipeline's logical objects",
		ArgsUsage: "ID",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, "psactl objects ID", 1); err != nil {
				return err
			}
			rt, err := newRuntime(c)
			if err != nil {
				return err
			}
			id, err := parsePipelineID(c.Args().Get(0))
			if err != nil {
				return err
			}
			objects, err := rt.manager.Objects(id)
			if err != nil {
				return err
			}
			seen := make(map[string]struct{}, len(objects))
			for _, name := range objects {
				if _, dup := seen[name]; dup {
					continue
				}
				seen[name] = struct{}{}
				fmt.Println(name)
			}
			return nil
		},
	}
}
