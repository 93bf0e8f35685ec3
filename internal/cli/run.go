package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/trayworks/trayflow/internal/config"
	"github.com/trayworks/trayflow/internal/device"
	"github.com/trayworks/trayflow/internal/logging"
	"github.com/trayworks/trayflow/internal/output"
	"github.com/trayworks/trayflow/internal/tracker"
	"github.com/trayworks/trayflow/internal/workflow"
)

// errRunFailed signals a workflow failure that has already been reported
// through the progress surface; the driver only converts it to exit code 1.
var errRunFailed = errors.New("workflow failed")

var runCmd = &cobra.Command{
	Use:   "run <workflow.yaml|glob>...",
	Short: "Execute workflow documents",
	Long: `Run loads, validates, and executes the given workflow documents in order.
Arguments may be literal paths or doublestar globs such as "flows/**/*.yaml".
Devices are served by the built-in simulator. The exit code is 1 when any
flow fails.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.New("run")

		cfg, cfgPath, err := loadConfig()
		if err != nil {
			return err
		}
		if cfgPath != "" {
			logger.Debug("using config", "path", cfgPath)
		}

		mode, err := resolveMode(cfg)
		if err != nil {
			return err
		}

		// Silent mode keeps file logging only: route log output into the
		// configured log directory instead of stderr.
		if mode == output.ModeSilent {
			if err := os.MkdirAll(cfg.Project.LogDir, 0o755); err != nil {
				return fmt.Errorf("creating log directory: %w", err)
			}
			logFile, err := os.OpenFile(filepath.Join(cfg.Project.LogDir, "trayflow.log"),
				os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("opening log file: %w", err)
			}
			defer logFile.Close()
			logging.SetOutput(logFile)
		}

		paths, err := expandArgs(args)
		if err != nil {
			return err
		}

		handlers := workflow.NewHandlers()
		loader := workflow.NewLoader(handlers)

		// Load everything before executing anything: a broken document must
		// never be discovered halfway through a tray bring-up.
		docs := make([]*workflow.Document, 0, len(paths))
		for _, path := range paths {
			doc, err := loader.Load(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			logger.Info("workflow loaded", "path", path, "optional_flows", len(doc.OptionalFlows))
			docs = append(docs, doc)
		}

		trk := tracker.New(cfg.Project.ProgressFile)
		cache := device.NewCache()
		simFactory := device.NewSimFactory()
		for _, kind := range []workflow.DeviceKind{workflow.DeviceCompute, workflow.DeviceSwitch, workflow.DevicePowerShelf} {
			cache.RegisterFactory(kind, simFactory)
		}
		defer cache.Close()

		bus := workflow.NewBus()
		defer bus.Close()

		presenter := output.New(mode, trk)
		if sub := presenter.Subscriber(); sub != nil {
			bus.Subscribe(sub)
		}

		ok, err := presenter.Run(cmd.Context(), func(ctx context.Context) bool {
			for _, doc := range docs {
				engine := workflow.NewEngine(doc,
					workflow.WithDispatcher(cache),
					workflow.WithHandlers(handlers),
					workflow.WithTracker(trk),
					workflow.WithEvents(bus),
					workflow.WithLogger(logging.New("engine")),
					workflow.WithFlowWorkers(cfg.Engine.FlowWorkers),
				)
				if !engine.Run(ctx) {
					return false
				}
			}
			return true
		})
		if err != nil {
			return err
		}
		if !ok {
			return errRunFailed
		}
		logger.Info("all workflows completed", "count", len(docs), "progress", cfg.Project.ProgressFile)
		return nil
	},
}

// loadConfig resolves trayflow.toml: the --config flag wins, otherwise the
// nearest file walking up from the working directory, otherwise defaults.
func loadConfig() (*config.Config, string, error) {
	if flagConfig != "" {
		cfg, _, err := config.LoadFromFile(flagConfig)
		if err != nil {
			return nil, flagConfig, err
		}
		return cfg, flagConfig, nil
	}
	return config.Load(".")
}

// resolveMode picks the presenter mode: the --output flag wins over the
// configured mode. --quiet forces silent.
func resolveMode(cfg *config.Config) (output.Mode, error) {
	raw := cfg.Output.Mode
	if flagOutput != "" {
		raw = flagOutput
	}
	if flagQuiet {
		raw = "none"
	}
	return output.ParseMode(raw)
}

// expandArgs resolves each argument: a doublestar pattern expands to every
// match, a plain path passes through. The combined list is deduplicated and
// kept in argument order (matches sorted within one pattern).
func expandArgs(args []string) ([]string, error) {
	var paths []string
	seen := map[string]bool{}
	for _, arg := range args {
		if !hasGlobMeta(arg) {
			if !seen[arg] {
				seen[arg] = true
				paths = append(paths, arg)
			}
			continue
		}
		matches, err := doublestar.FilepathGlob(arg)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", arg, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("pattern %q matched no files", arg)
		}
		sort.Strings(matches)
		for _, m := range matches {
			m = filepath.Clean(m)
			if !seen[m] {
				seen[m] = true
				paths = append(paths, m)
			}
		}
	}
	return paths, nil
}

func hasGlobMeta(s string) bool {
	for _, r := range s {
		switch r {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}

func init() {
	runCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "presenter mode: none, live, log, json (default from config)")
}
