package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const serviceName = "vprinter.service"

// Install registers vprinter as a system service.
type Install struct {
	SpoolDir string `help:"Spool directory used by the service" default:"/var/spool/vprinter"`
}

func (i *Install) Run(logger *slog.Logger) error {
	dir, err := filepath.Abs(i.SpoolDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}
	return install(logger, dir)
}

// Uninstall removes the system service.
type Uninstall struct{}

func (Uninstall) Run(logger *slog.Logger) error {
	return uninstall(logger)
}

func currentExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(exe)
}
