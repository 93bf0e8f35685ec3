package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/trayworks/trayflow/internal/config"
	"github.com/trayworks/trayflow/internal/logging"
)

// starterWorkflow is the template written by `trayflow init`. It exercises
// retries, a parallel group, and an optional recovery flow against the
// simulated devices so a new project produces a meaningful trace on the
// first run.
const starterWorkflow = `settings:
  default_retry_count: 2

variables:
  node_id: %q

optional_flows:
  bmc_recovery:
    - name: Reboot BMC
      device_type: compute
      device_id: ${node_id}
      operation: reboot
    - name: Verify BMC Health
      device_type: compute
      device_id: ${node_id}
      operation: check_health

steps:
  - name: Power On
    device_type: compute
    device_id: ${node_id}
    operation: power_on
  - parallel:
      - name: Update Node Firmware
        device_type: compute
        device_id: ${node_id}
        operation: update_firmware
        execute_on_error: collect_device_logs
      - name: Update Switch Firmware
        device_type: switch
        device_id: leaf-1
        operation: update_firmware
  - name: Final Health Check
    device_type: compute
    device_id: ${node_id}
    operation: check_health
    execute_optional_flow: bmc_recovery
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a starter workflow and configuration",
	Long: `Init interactively creates trayflow.toml and a starter workflow file
wired to the built-in device simulator.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.New("init")

		projectName := "tray-bringup"
		nodeID := "node-1"
		mode := "live"
		workflowFile := "flows/bringup.yaml"

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Project name").
					Value(&projectName),
				huh.NewInput().
					Title("Compute node device id").
					Value(&nodeID),
				huh.NewInput().
					Title("Workflow file").
					Value(&workflowFile),
				huh.NewSelect[string]().
					Title("Output mode").
					Options(
						huh.NewOption("Live table", "live"),
						huh.NewOption("Log stream", "log"),
						huh.NewOption("JSON snapshots", "json"),
						huh.NewOption("Silent", "none"),
					).
					Value(&mode),
			),
		)
		if err := form.Run(); err != nil {
			return fmt.Errorf("running init wizard: %w", err)
		}

		if _, err := os.Stat(config.ConfigFileName); err == nil {
			return fmt.Errorf("%s already exists; refusing to overwrite", config.ConfigFileName)
		}
		if _, err := os.Stat(workflowFile); err == nil {
			return fmt.Errorf("%s already exists; refusing to overwrite", workflowFile)
		}

		tomlContent := fmt.Sprintf(`[project]
name = %q
log_dir = "logs"
progress_file = "logs/flow_progress.json"

[output]
mode = %q
`, projectName, mode)
		if err := os.WriteFile(config.ConfigFileName, []byte(tomlContent), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", config.ConfigFileName, err)
		}

		if dir := filepath.Dir(workflowFile); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating %s: %w", dir, err)
			}
		}
		if err := os.WriteFile(workflowFile, []byte(fmt.Sprintf(starterWorkflow, nodeID)), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", workflowFile, err)
		}

		logger.Info("project initialized", "config", config.ConfigFileName, "workflow", workflowFile)
		fmt.Fprintf(cmd.OutOrStdout(), "Created %s and %s. Try: trayflow run %s\n",
			config.ConfigFileName, workflowFile, workflowFile)
		return nil
	},
}
