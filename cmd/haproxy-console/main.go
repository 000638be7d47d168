package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fabian4/haproxy-console/internal/command"
	"github.com/fabian4/haproxy-console/internal/service"
	"github.com/fabian4/haproxy-console/internal/topology"
	"github.com/fabian4/haproxy-console/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, logLevel string
	root := &cobra.Command{
		Use:           "haproxy-console",
		Short:         "Inspect and edit an HAProxy configuration tree",
		Version:       version.Value,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config (defaults apply when empty)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level from the config")

	load := func() (*app, error) { return newApp(configPath, logLevel) }

	root.AddCommand(
		serveCmd(load),
		topologyCmd(load),
		routeCmd(load),
		addServiceCmd(load),
		statusCmd(load),
		actionCmd(load),
		fragmentsCmd(load),
	)
	return root
}

type loader func() (*app, error)

func serveCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = a.log.Sync() }()

			srv := &http.Server{
				Addr:              a.cfg.Listen,
				Handler:           a.api().Handler(),
				ReadTimeout:       a.cfg.Timeouts.Read,
				ReadHeaderTimeout: 10 * time.Second,
				WriteTimeout:      a.cfg.Timeouts.Write,
				IdleTimeout:       60 * time.Second,
			}
			a.log.Info("haproxy-console listening",
				zap.String("version", version.Value),
				zap.String("addr", a.cfg.Listen),
				zap.String("haproxy_cfg", a.cfg.Paths.HAProxyCfg),
				zap.String("conf_dir", a.cfg.Paths.ConfDir))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errc := make(chan error, 1)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
				close(errc)
			}()

			prune := time.NewTicker(time.Minute)
			defer prune.Stop()
			for {
				select {
				case err := <-errc:
					if err != nil {
						return errors.Wrap(err, "listen")
					}
					return nil
				case <-prune.C:
					if n := a.limiter.Prune(); n > 0 {
						a.log.Debug("pruned idle rate limiters", zap.Int("count", n))
					}
				case <-ctx.Done():
					a.log.Info("shutting down")
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				}
			}
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func topologyCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "topology",
		Short: "Print the topology graph as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			topo := a.builder.Build(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), topo); err != nil {
				return err
			}
			if topo.Error != "" {
				return errors.New(topo.Error)
			}
			return nil
		},
	}
}

func routeCmd(load loader) *cobra.Command {
	var port int
	c := &cobra.Command{
		Use:   "route <host>",
		Short: "Show which backend serves a Host header",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			frontends, _, err := a.builder.Sections()
			if err != nil {
				return err
			}
			d, ok := topology.NewRouteTable(frontends).Match(args[0], port)
			if !ok {
				return errors.Newf("no frontend routes %s", args[0])
			}
			how := "if " + d.Condition
			if d.Default {
				how = "by default"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> frontend %s -> backend %s (%s)\n", args[0], d.Frontend, d.Backend, how)
			return nil
		},
	}
	c.Flags().IntVarP(&port, "port", "p", 0, "only consider frontends bound to this port")
	return c
}

func addServiceCmd(load loader) *cobra.Command {
	var req service.Request
	var port int
	c := &cobra.Command{
		Use:   "add-service <name> <address:port> <hostname>",
		Short: "Write a backend fragment and route a hostname to it",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			host, p, found := strings.Cut(args[1], ":")
			if found {
				if port, err = strconv.Atoi(p); err != nil {
					return errors.Newf("invalid port in %q", args[1])
				}
			}
			req.Name, req.IP, req.Port, req.Hostname = args[0], host, service.Port(port), args[2]
			res, err := a.wizard.AddService(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}
	c.Flags().BoolVar(&req.HTTPS, "https", false, "the upstream speaks TLS")
	return c
}

func statusCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the proxy service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), a.proxy.Status(cmd.Context()))
			return nil
		},
	}
}

func actionCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:       "action <start|stop|restart|test>",
		Short:     "Run a proxy lifecycle command",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{command.ActionStart, command.ActionStop, command.ActionRestart, command.ActionTest},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			out, err := a.proxy.Do(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func fragmentsCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "fragments",
		Short: "List the .cfg fragments in the conf.d directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			names, err := a.store.ListFiles(a.cfg.Paths.ConfDir, ".cfg")
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
}
