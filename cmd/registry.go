package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"metabridge/registry"
	"metabridge/regserver"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Run the registry coordinator daemon",
	Long: `Run the registry coordination service. Every metabridge process on the
machine finds it at the well-known address (default 127.0.0.1:7399, overridable
with METABRIDGE_REGISTRY), so start it before any service.`,
	RunE: runRegistry,
}

func init() {
	registryCmd.Flags().String("addr", "", "listen address (default: METABRIDGE_REGISTRY or 127.0.0.1:7399)")
	registryCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
}

func runRegistry(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	level, _ := cmd.Flags().GetString("log-level")

	logger, err := buildLogger(level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	coord, err := regserver.New(addr, logger)
	if err != nil {
		return err
	}
	if err := coord.Start(); err != nil {
		return err
	}
	fmt.Printf("registry coordinator listening on %s\n", coord.Addr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	return coord.Shutdown(5 * time.Second)
}

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List every service registered with the coordinator",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := dialRegistry(cmd)
		if err != nil {
			return err
		}
		defer reg.Close()

		entries, err := reg.Dump()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("no services registered")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s\t%s:%d\n", e.Name, e.Host, e.Port)
		}
		return nil
	},
}

func dialRegistry(cmd *cobra.Command) (*registry.Client, error) {
	addr, _ := cmd.Flags().GetString("registry")
	return registry.Dial(addr, codecFlag(cmd))
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	cfg.Level = lvl
	return cfg.Build()
}
