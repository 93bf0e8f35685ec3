// Command trayflow is the factory tray workflow engine CLI.
package main

import (
	"os"

	"github.com/trayworks/trayflow/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
