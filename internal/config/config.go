// Package config loads trayflow.toml, the engine-side configuration file.
// Workflow semantics (retries, handlers, variables) live in the workflow
// document itself; this file configures the runtime around it: output mode,
// progress-file location, logging, and fan-out ceilings.
package config

// Config is the top-level structure mapping to trayflow.toml.
type Config struct {
	Project Project `toml:"project"`
	Output  Output  `toml:"output"`
	Engine  Engine  `toml:"engine"`
}

// Project maps to the [project] section.
type Project struct {
	Name         string `toml:"name"`
	LogDir       string `toml:"log_dir"`
	ProgressFile string `toml:"progress_file"`
}

// Output maps to the [output] section.
type Output struct {
	// Mode selects the presenter: none, live, log, or json.
	Mode string `toml:"mode"`
}

// Engine maps to the [engine] section.
type Engine struct {
	// FlowWorkers caps concurrent flows during multi-flow fan-out.
	// Zero means one worker per flow.
	FlowWorkers int `toml:"flow_workers"`
}
