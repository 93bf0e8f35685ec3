package config

// Default returns the configuration used when no trayflow.toml is found.
func Default() *Config {
	return &Config{
		Project: Project{
			Name:         "trayflow",
			LogDir:       "logs",
			ProgressFile: "logs/flow_progress.json",
		},
		Output: Output{Mode: "live"},
	}
}

// ApplyDefaults fills zero-valued fields from Default so a sparse file still
// yields a complete configuration.
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.Project.Name == "" {
		c.Project.Name = d.Project.Name
	}
	if c.Project.LogDir == "" {
		c.Project.LogDir = d.Project.LogDir
	}
	if c.Project.ProgressFile == "" {
		c.Project.ProgressFile = d.Project.ProgressFile
	}
	if c.Output.Mode == "" {
		c.Output.Mode = d.Output.Mode
	}
}
