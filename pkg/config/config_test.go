package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/require"

	"github.com/pebble-dev/rtosdbg/pkg/rtos"
)

func writeConfig(t *testing.T, data string) string {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))
	return path
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
gdb-address: localhost:3333
variant: stm32f2x.cpu
max-priorities: 7
packet-timeout: 2s
symbols:
  pxCurrentTCB: 0x20000010
dump-regions:
  - {addr: 0x20000000, size: 0x20000}
`)
	c, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, "localhost:3333", c.GdbAddress)
	require.Equal(t, "stm32f2x.cpu", c.Variant)
	require.Equal(t, 7, c.MaxPriorities)
	require.Equal(t, 2*time.Second, c.PacketTimeout)
	require.Equal(t, map[string]uint64{"pxCurrentTCB": 0x20000010}, c.Symbols)
	require.Equal(t, []Region{{Addr: 0x20000000, Size: 0x20000}}, c.DumpRegions)
}

func TestLoadConfigFileErrors(t *testing.T) {
	_, err := LoadConfigFile(writeConfig(t, "no-such-option: 1\n"))
	require.Error(t, err)
	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RTOSDBG_HOME", dir)

	c := LoadConfig()
	require.NotNil(t, c)
	require.Empty(t, c.Layouts)
	require.Empty(t, c.GdbAddress)

	_, err := os.Stat(filepath.Join(dir, configFile))
	require.NoError(t, err, "default config file not created")

	// an existing file is not overwritten
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFile), []byte("variant: stm32f4x.cpu\n"), 0600))
	require.Equal(t, "stm32f4x.cpu", LoadConfig().Variant)
}

func TestRegisterLayouts(t *testing.T) {
	c, err := LoadConfigFile(writeConfig(t, `
layouts:
  - variant: test-config-board.cpu
    base: stm32f4x.cpu
    thread-name-offset: 52
  - variant: test-config-m3.cpu
    thread-count-width: 4
    pointer-width: 4
    list-next-offset: 16
    list-width: 20
    list-elem-next-offset: 8
    list-elem-content-offset: 12
    thread-name-offset: 84
    stacking: cortex-m3-pebble
`))
	require.NoError(t, err)
	require.NoError(t, c.RegisterLayouts())

	l, err := rtos.LookupLayout("test-config-board.cpu")
	require.NoError(t, err)
	require.Equal(t, 52, l.ThreadNameOffset)
	require.Equal(t, 36, l.StackSavedExcReturnOffset)
	require.Same(t, &rtos.CortexM4PebbleStackingFP, l.StackingFP)

	l, err = rtos.LookupLayout("test-config-m3.cpu")
	require.NoError(t, err)
	require.False(t, l.UsesFPStacking())
	require.Same(t, &rtos.CortexM3PebbleStacking, l.Stacking)
}

func TestRegisterLayoutsErrors(t *testing.T) {
	c, err := LoadConfigFile(writeConfig(t, `
layouts:
  - variant: test-config-bad-base.cpu
    base: no-such-target
  - variant: test-config-bad-stacking.cpu
    base: stm32f2x.cpu
    stacking: no-such-stacking
  - variant: test-config-bad-width.cpu
    base: stm32f2x.cpu
    pointer-width: 3
  - variant: test-config-ok.cpu
    base: stm32f2x.cpu
`))
	require.NoError(t, err)

	err = c.RegisterLayouts()
	var merr *multierror.Error
	require.True(t, errors.As(err, &merr), "expected multierror, got %v", err)
	require.Len(t, merr.Errors, 3)

	var cerr *rtos.ConfigurationError
	require.True(t, errors.As(merr.Errors[0], &cerr))
	require.Equal(t, "no-such-target", cerr.Variant)

	_, err = rtos.LookupLayout("test-config-ok.cpu")
	require.NoError(t, err, "valid layout not registered")
}
