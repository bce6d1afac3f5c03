package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"errorbot/internal/app"
	"errorbot/internal/config"
	"errorbot/internal/host"
	"errorbot/internal/modules/echo"
	"errorbot/internal/modules/heartbeat"
	"errorbot/internal/modules/watchdog"
)

func modules() []host.Module {
	return []host.Module{
		echo.New(),
		heartbeat.New(),
		watchdog.New(),
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "errorbot",
		Short:         "Forum bot runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "./config.yaml", "path to config (json or yaml)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the forum and run the enabled modules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			return run(cfgPath)
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate a config file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if err := checkConfig(cfgPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", cfgPath)
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, checkCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	a.Modules().Register(modules()...)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := a.Start(context.Background()); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopFatalError
	select {
	case s := <-sigs:
		reason = app.StopSIGINT
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	stopErr := a.Stop(ctx, reason)
	if reason == app.StopFatalError {
		return errors.Join(a.Err(), stopErr)
	}
	return stopErr
}

func checkConfig(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	cfg, err := config.Decode(path, b)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	h := host.New(host.Deps{})
	h.Register(modules()...)
	return h.ValidateConfig(cfg.Modules)
}
