package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/cursorbot/cursorbot/internal/config"
)

func doctorCmd() *cobra.Command {
	var showConfig bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(showConfig)
		},
	}
	cmd.Flags().BoolVar(&showConfig, "show-config", false, "dump the effective config (secrets masked)")
	return cmd
}

func runDoctor(showConfig bool) {
	fmt.Println("cursorbot doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := config.ResolvePath(cfgFile)
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(config.ExpandHome(cfgPath)); err != nil {
		fmt.Println(" (NOT FOUND, using defaults + environment)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		os.Exit(exitConfig)
	}

	fmt.Printf("  Executor: %s", cfg.Executor.Binary)
	if path, err := exec.LookPath(cfg.Executor.Binary); err != nil {
		fmt.Println(" (NOT IN PATH)")
	} else {
		fmt.Printf(" (%s)\n", path)
	}

	transports := cfg.EnabledTransports()
	if len(transports) == 0 {
		fmt.Println("  Channels: none enabled")
	} else {
		fmt.Printf("  Channels: %v\n", transports)
	}
	fmt.Println()

	findings := cfg.Validate()
	if len(findings) == 0 {
		fmt.Println("  No findings. Ready to serve.")
	}
	for _, f := range findings {
		fmt.Printf("  %s\n", f)
	}

	if showConfig {
		fmt.Println()
		fmt.Println(cfg.DumpMasked())
	}

	if config.HasRequired(findings) {
		os.Exit(exitConfig)
	}
}
