// Package cli provides the sketchd command line interface.
//
// Command structure:
//
//	sketchd                       # root command
//	├── run                       # start the compile service
//	├── compile                   # one-shot compile of a sketch file
//	│   ├── --file, -f            # sketch source file
//	│   ├── --board, -b           # target board FQBN
//	│   ├── --lib, -l             # library (repeatable, "Name" or "Name@Version")
//	│   └── --output, -o          # write the firmware image to a file
//	├── refresh-index             # fetch the library index once and report
//	└── --config, -c              # config file path (persistent)
package cli

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sketchd/internal/artifact"
	"sketchd/internal/buildslot"
	"sketchd/internal/catalog"
	"sketchd/internal/compiler"
	"sketchd/internal/config"
	"sketchd/internal/installer"
	"sketchd/internal/metrics"
	"sketchd/internal/service"
	"sketchd/internal/toolchain"
	"sketchd/pkg/types"
)

var configFile string

// BuildCLI assembles the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sketchd",
		Short: "sketchd: a remote firmware compile service",
		Long: `sketchd compiles sketches for embedded boards with:
- Recursive library dependency resolution
- An on-disk compiled-artifact cache
- A bounded pool of isolated build slots
- Prometheus metrics`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildCompileCommand())
	rootCmd.AddCommand(buildRefreshCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the compile service",
		Long:  "Start the service: refresh the library index, provision build slots, and serve until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService()
		},
	}
}

func runService() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Printf("Starting sketchd with config: %s\n", configFile)
	log.Printf("Slots: %d, Boards: %d, Toolchain: %s\n",
		cfg.Slots.Count, len(cfg.Boards), cfg.Toolchain.Command)

	svc, err := buildService(cfg)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		go func() {
			log.Printf("Starting metrics server on :%d\n", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	if err := svc.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}

	log.Println("Service started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("\nReceived shutdown signal, stopping gracefully...")
	svc.Stop()
	log.Println("Service stopped. Goodbye!")
	return nil
}

func buildCompileCommand() *cobra.Command {
	var sourceFile string
	var board string
	var libs []string
	var outputFile string

	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile a sketch file once and print or save the firmware",
		RunE: func(cmd *cobra.Command, args []string) error {
			return compileOnce(sourceFile, board, libs, outputFile)
		},
	}

	cmd.Flags().StringVarP(&sourceFile, "file", "f", "", "sketch source file")
	cmd.Flags().StringVarP(&board, "board", "b", "", "target board FQBN, e.g. arduino:avr:uno")
	cmd.Flags().StringArrayVarP(&libs, "lib", "l", nil, "library to install (repeatable, Name or Name@Version)")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "write the firmware image to this file")
	cmd.MarkFlagRequired("file")
	cmd.MarkFlagRequired("board")

	return cmd
}

func compileOnce(sourceFile, board string, libs []string, outputFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	source, err := os.ReadFile(sourceFile)
	if err != nil {
		return fmt.Errorf("failed to read sketch file: %w", err)
	}

	svc, err := buildService(cfg)
	if err != nil {
		return err
	}
	if err := svc.Start(context.Background()); err != nil {
		return err
	}
	defer svc.Stop()

	job := types.CompileJob{
		SourceCode: string(source),
		Board:      board,
	}
	for _, lib := range libs {
		job.Libraries = append(job.Libraries, types.ParseLibraryRequest(lib))
	}

	result, err := svc.Compile(context.Background(), job)
	if err != nil {
		if errors.Is(err, types.ErrCompile) {
			// The diagnostic text is the toolchain's own output.
			fmt.Fprintln(os.Stderr, err.Error())
		}
		return fmt.Errorf("compile failed: %w", err)
	}

	return writeFirmware(result, outputFile)
}

func writeFirmware(result types.CompileResult, outputFile string) error {
	if outputFile == "" {
		if result.Hex != "" {
			fmt.Print(result.Hex)
		} else {
			fmt.Print(result.Sketch)
		}
		return nil
	}

	data := []byte(result.Hex)
	if result.Sketch != "" {
		decoded, err := base64.StdEncoding.DecodeString(result.Sketch)
		if err != nil {
			return fmt.Errorf("failed to decode firmware: %w", err)
		}
		data = decoded
	}
	if err := os.WriteFile(outputFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write firmware: %w", err)
	}
	log.Printf("Firmware (%s) written to %s\n", result.Encoding, outputFile)
	return nil
}

func buildRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-index",
		Short: "Fetch the library index once and report its size",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			source := catalog.NewHTTPSource(cfg.Catalog.IndexURL, cfg.CatalogFetchTimeout())
			cat := catalog.NewService(source)
			if err := cat.Refresh(context.Background()); err != nil {
				return err
			}
			log.Printf("Library index refreshed: %d libraries\n", cat.Len())
			return nil
		},
	}
}

// buildService wires the full component graph from the configuration.
func buildService(cfg *config.Config) (*service.Service, error) {
	source := catalog.NewHTTPSource(cfg.Catalog.IndexURL, cfg.CatalogFetchTimeout())
	cat := catalog.NewService(source)

	store, err := artifact.NewStore(cfg.Artifacts.Dir, cfg.Artifacts.ExistenceCacheSize, cfg.ExistenceCacheTTL())
	if err != nil {
		return nil, err
	}

	pool, err := buildslot.NewPool(cfg.Slots.Count, cfg.Slots.Dir, cfg.Boards)
	if err != nil {
		return nil, err
	}

	runner := toolchain.NewExecRunner(cfg.Toolchain.Command, cfg.ToolchainTimeout())
	collector := metrics.NewCollector()
	inst := installer.New(cat, store, source, runner, cfg.Boards, cfg.Toolchain.Jobs, collector)
	comp := compiler.New(store, runner, cfg.Toolchain.Jobs)

	return service.New(service.Config{
		Boards:                 cfg.Boards,
		ResultCacheSize:        cfg.ResultCache.Size,
		ResultCacheTTL:         cfg.ResultCacheTTL(),
		CatalogRefreshInterval: cfg.CatalogRefreshInterval(),
	}, cat, inst, pool, comp, collector), nil
}
