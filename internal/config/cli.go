// Package config defines the root command line of vprinter.
package config

import "github.com/Alia5/vprinter/internal/cmd"

// Log configures process logging.
type Log struct {
	Level   string `help:"Log level" enum:"trace,debug,info,warn,error" default:"info" env:"VPRINTER_LOG_LEVEL"`
	Format  string `help:"Log format; auto picks json when stdout is not a terminal" enum:"auto,text,json" default:"auto" env:"VPRINTER_LOG_FORMAT"`
	File    string `help:"Also write logs to this file" env:"VPRINTER_LOG_FILE"`
	RawFile string `help:"Write a hex dump of all USB-IP traffic to this file" env:"VPRINTER_LOG_RAW_FILE"`
}

// CLI is the kong root.
type CLI struct {
	ConfigFile string `name:"config" help:"Path to a JSON, YAML or TOML config file" type:"path" env:"VPRINTER_CONFIG"`
	Log        Log    `embed:"" prefix:"log."`

	Server    cmd.Server        `cmd:"" help:"Export the emulated printer over USB-IP" default:"1"`
	Spool     cmd.SpoolCommand  `cmd:"" help:"Inspect captured print jobs"`
	Config    cmd.ConfigCommand `cmd:"" help:"Configuration helpers"`
	Install   cmd.Install       `cmd:"" help:"Install vprinter as a systemd service"`
	Uninstall cmd.Uninstall     `cmd:"" help:"Remove the vprinter systemd service"`
}
