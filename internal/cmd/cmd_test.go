package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	toml "github.com/pelletier/go-toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v3"

	"github.com/Alia5/vprinter/device/printer"
	"github.com/Alia5/vprinter/internal/spool"
	"github.com/Alia5/vprinter/mutate"
)

func TestConfigKey(t *testing.T) {
	cases := map[string]string{
		"Addr":              "addr",
		"BusID":             "bus_id",
		"DeviceIDFile":      "device_id_file",
		"ConnectionTimeout": "connection_timeout",
		"VendorID":          "vendor_id",
	}
	for in, want := range cases {
		assert.Equal(t, want, configKey(in), in)
	}
}

func TestConfigInit_Server(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "server.json")
	require.NoError(t, (&ConfigInit{Command: "server", Format: "json", Output: jsonPath}).Run())
	b, err := os.ReadFile(jsonPath)
	require.NoError(t, err)

	var root map[string]map[string]any
	require.NoError(t, json.Unmarshal(b, &root))
	assert.Equal(t, ":3240", root["usb"]["addr"])
	assert.Equal(t, "30s", root["usb"]["connection_timeout"])
	assert.Equal(t, "stream", root["printer"]["scan"])
	assert.Equal(t, false, root["printer"]["rotate"])
	assert.Equal(t, ".", root["spool"]["dir"])
	assert.Contains(t, root["mutate"], "device_id_file")

	// refuses to overwrite without --force
	assert.Error(t, (&ConfigInit{Command: "server", Format: "json", Output: jsonPath}).Run())
	assert.NoError(t, (&ConfigInit{Command: "server", Format: "json", Output: jsonPath, Force: true}).Run())

	yamlPath := filepath.Join(dir, "nested", "server.yaml")
	require.NoError(t, (&ConfigInit{Command: "server", Format: "yaml", Output: yamlPath}).Run())
	b, err = os.ReadFile(yamlPath)
	require.NoError(t, err)
	var y map[string]map[string]any
	require.NoError(t, yaml.Unmarshal(b, &y))
	assert.Equal(t, "stream", y["printer"]["scan"])

	tomlPath := filepath.Join(dir, "server.toml")
	require.NoError(t, (&ConfigInit{Command: "server", Format: "toml", Output: tomlPath}).Run())
	tree, err := toml.LoadFile(tomlPath)
	require.NoError(t, err)
	assert.Equal(t, ".", tree.Get("spool.dir"))
}

func TestPrinterConfig_CreateOptions(t *testing.T) {
	o, err := PrinterConfig{VendorID: "0x1234", ProductID: "22136"}.createOptions()
	require.NoError(t, err)
	require.NotNil(t, o.IdVendor)
	require.NotNil(t, o.IdProduct)
	assert.Equal(t, uint16(0x1234), *o.IdVendor)
	assert.Equal(t, uint16(0x5678), *o.IdProduct)

	o, err = PrinterConfig{}.createOptions()
	require.NoError(t, err)
	assert.Nil(t, o.IdVendor)

	_, err = PrinterConfig{VendorID: "0x10000"}.createOptions()
	assert.Error(t, err)
}

func TestMutateConfig_Mutator(t *testing.T) {
	m, err := MutateConfig{}.mutator()
	require.NoError(t, err)
	assert.Equal(t, mutate.None{}, m)

	path := filepath.Join(t.TempDir(), "id.bin")
	require.NoError(t, os.WriteFile(path, []byte{0x00, 0x02, 'X', ';'}, 0o644))
	m, err = MutateConfig{DeviceIDFile: path}.mutator()
	require.NoError(t, err)
	got, ok := m.Mutate(mutate.PointDeviceIDResponse, nil)
	assert.True(t, ok)
	assert.Equal(t, []byte{0x00, 0x02, 'X', ';'}, got)
	_, ok = m.Mutate(mutate.PointDataAvailable, []byte("x"))
	assert.False(t, ok)

	_, err = MutateConfig{DataFile: filepath.Join(t.TempDir(), "missing")}.mutator()
	assert.Error(t, err)
}

func TestServer_NewPrinter(t *testing.T) {
	dir, err := spool.Open(t.TempDir())
	require.NoError(t, err)
	s := &Server{Printer: PrinterConfig{BusID: 1, VendorID: "0x04b8", Scan: "chunk"}}

	p, err := s.newPrinter(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x04b8), p.GetDescriptor().Device.IDVendor)
	assert.Equal(t, uint16(printer.DefaultProductID), p.GetDescriptor().Device.IDProduct)

	s.Printer.Scan = "window"
	_, err = s.newPrinter(dir, nil)
	assert.Error(t, err)
}

func TestSpoolList(t *testing.T) {
	path := t.TempDir()
	var out bytes.Buffer
	require.NoError(t, (&SpoolList{Dir: path, out: &out}).Run())
	assert.Contains(t, out.String(), "No print jobs")

	dir, err := spool.Open(path)
	require.NoError(t, err)
	name := spool.ArtifactName(time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local))
	require.NoError(t, dir.Append(name, bytes.Repeat([]byte{'x'}, 2048)))
	require.NoError(t, os.WriteFile(filepath.Join(path, "notes.txt"), []byte("x"), 0o644))

	out.Reset()
	require.NoError(t, (&SpoolList{Dir: path, out: &out}).Run())
	assert.Contains(t, out.String(), "20240102030405.pcl")
	assert.Contains(t, out.String(), "2.0 KiB")
	assert.Contains(t, strings.ToLower(out.String()), "1 jobs")
	assert.NotContains(t, out.String(), "notes.txt")
}
