package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trayworks/trayflow/internal/logging"
	"github.com/trayworks/trayflow/internal/workflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workflow.yaml|glob>...",
	Short: "Validate workflow documents without executing them",
	Long: `Validate loads each document and runs the full validation pipeline:
variable expansion, shape checks, tag uniqueness, reference resolution, and
jump/optional-flow cycle detection. Nothing is executed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.New("validate")

		paths, err := expandArgs(args)
		if err != nil {
			return err
		}

		loader := workflow.NewLoader(workflow.NewHandlers())
		failed := 0
		for _, path := range paths {
			doc, err := loader.Load(path)
			if err != nil {
				failed++
				var loadErr *workflow.LoadError
				if errors.As(err, &loadErr) {
					logger.Error("invalid workflow", "path", path, "reason", loadErr.Reason, "detail", loadErr.Message)
				} else {
					logger.Error("invalid workflow", "path", path, "error", err)
				}
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (%d top-level elements, %d optional flows)\n",
				path, len(doc.Elements), len(doc.OptionalFlows))
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d documents failed validation", failed, len(paths))
		}
		return nil
	},
}
