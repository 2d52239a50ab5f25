//go:build linux

package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSystemdUnitContent(t *testing.T) {
	unit := systemdUnitContent("/usr/local/bin/vprinter", "/var/spool/vprinter")
	assert.Contains(t, unit, `ExecStart="/usr/local/bin/vprinter" server --spool.dir="/var/spool/vprinter"`)
	assert.Contains(t, unit, "WorkingDirectory=/var/spool/vprinter\n")
	assert.Contains(t, unit, "WantedBy=multi-user.target")
}
