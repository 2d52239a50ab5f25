//go:build linux

package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

const servicePath = "/etc/systemd/system/" + serviceName

func install(logger *slog.Logger, spoolDir string) error {
	exePath, err := currentExecutable()
	if err != nil {
		return err
	}

	unit := systemdUnitContent(exePath, spoolDir)
	if err := os.WriteFile(servicePath, []byte(unit), 0o644); err != nil {
		return err
	}

	for _, args := range [][]string{
		{"daemon-reload"},
		{"enable", serviceName},
		{"restart", serviceName},
	} {
		if err := runSystemctl(args...); err != nil {
			return err
		}
	}

	logger.Info("vprinter systemd service installed", "path", servicePath, "exe", exePath, "spool", spoolDir)
	return nil
}

func uninstall(logger *slog.Logger) error {
	var errs []error

	if err := runSystemctl("stop", serviceName); err != nil {
		errs = append(errs, err)
	}
	if err := runSystemctl("disable", serviceName); err != nil {
		errs = append(errs, err)
	}
	if err := os.Remove(servicePath); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	if err := runSystemctl("daemon-reload"); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	logger.Info("vprinter systemd service removed", "path", servicePath)
	return nil
}

// systemdUnitContent runs the server with spoolDir as its working directory.
func systemdUnitContent(exePath, spoolDir string) string {
	return fmt.Sprintf(`[Unit]
Description=vprinter USB-IP printer emulator
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%q server --spool.dir=%q
WorkingDirectory=%s
Restart=on-failure

[Install]
WantedBy=multi-user.target
`, exePath, spoolDir, spoolDir)
}

func runSystemctl(args ...string) error {
	cmd := exec.Command("systemctl", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %s failed: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return nil
}
