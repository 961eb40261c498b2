package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v2"

	"github.com/pebble-dev/rtosdbg/pkg/rtos"
)

const (
	configDir  string = ".rtosdbg"
	configFile string = "config.yml"
)

// Region is a range of target memory saved by the dump command.
type Region struct {
	Addr uint64 `yaml:"addr"`
	Size uint64 `yaml:"size"`
}

// LayoutConfig describes the structure layout of a FreeRTOS build that is
// not built in. Fields that are left out are copied from the layout named
// by Base, if any.
type LayoutConfig struct {
	Variant string `yaml:"variant"`
	Base    string `yaml:"base,omitempty"`

	ThreadCountWidth      *int `yaml:"thread-count-width,omitempty"`
	PointerWidth          *int `yaml:"pointer-width,omitempty"`
	ListNextOffset        *int `yaml:"list-next-offset,omitempty"`
	ListWidth             *int `yaml:"list-width,omitempty"`
	ListElemNextOffset    *int `yaml:"list-elem-next-offset,omitempty"`
	ListElemContentOffset *int `yaml:"list-elem-content-offset,omitempty"`
	ThreadStackOffset     *int `yaml:"thread-stack-offset,omitempty"`
	ThreadNameOffset      *int `yaml:"thread-name-offset,omitempty"`
	// ExcReturnOffset is the offset of the saved EXC_RETURN from the stack
	// pointer of a thread, -1 if the port does not save it.
	ExcReturnOffset *int `yaml:"exc-return-offset,omitempty"`

	// Names of the stackings, see rtos.LookupStacking.
	Stacking   string `yaml:"stacking,omitempty"`
	StackingFP string `yaml:"stacking-fp,omitempty"`
}

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// GdbAddress is the address of the gdb stub, host:port.
	GdbAddress string `yaml:"gdb-address"`
	// Stub is the command line of a gdb stub started before connecting,
	// for example an OpenOCD invocation.
	Stub string `yaml:"stub"`
	// Variant selects the structure layout of the target.
	Variant string `yaml:"variant"`
	// MaxPriorities is configMAX_PRIORITIES of the firmware.
	MaxPriorities int `yaml:"max-priorities"`
	// PacketTimeout is how long to wait for a reply from the stub.
	PacketTimeout time.Duration `yaml:"packet-timeout"`

	// Size and number of the blocks of the target memory cache. A cache
	// of 0 blocks uses the default.
	CacheBlockSize int  `yaml:"cache-block-size"`
	CacheBlocks    int  `yaml:"cache-blocks"`
	DisableCache   bool `yaml:"disable-cache"`

	// Symbols overrides the address of symbols found in the ELF file.
	Symbols map[string]uint64 `yaml:"symbols"`

	// DumpRegions are the memory ranges saved by the dump command.
	DumpRegions []Region `yaml:"dump-regions"`

	// Layouts are added to the built in layouts.
	Layouts []LayoutConfig `yaml:"layouts"`
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not create config directory: %v.\n", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to get config file path: %v.\n", err)
		return &Config{}
	}

	if _, err := os.Stat(fullConfigFile); os.IsNotExist(err) {
		if err := createDefaultConfig(fullConfigFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config file: %v\n", err)
			return &Config{}
		}
	}

	c, err := LoadConfigFile(fullConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v.\n", err)
		return &Config{}
	}
	return c
}

// LoadConfigFile reads the configuration stored at path.
func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, fmt.Errorf("unable to decode config file %s: %v", path, err)
	}
	return &c, nil
}

// RegisterLayouts adds the layouts of c to the rtos package. Every invalid
// layout is reported, the valid ones are registered anyway.
func (c *Config) RegisterLayouts() error {
	var err error
	for i := range c.Layouts {
		l, lerr := c.Layouts[i].Layout()
		if lerr == nil {
			lerr = rtos.RegisterLayout(l)
		}
		if lerr != nil {
			err = multierror.Append(err, fmt.Errorf("layouts[%d]: %w", i, lerr))
		}
	}
	return err
}

// Layout converts lc into a layout descriptor.
func (lc *LayoutConfig) Layout() (*rtos.Layout, error) {
	l := &rtos.Layout{StackSavedExcReturnOffset: -1}
	if lc.Base != "" {
		base, err := rtos.LookupLayout(lc.Base)
		if err != nil {
			return nil, err
		}
		*l = *base
	}
	l.Variant = lc.Variant

	var err error
	for _, f := range []struct {
		dst *int
		src *int
	}{
		{&l.ThreadCountWidth, lc.ThreadCountWidth},
		{&l.PointerWidth, lc.PointerWidth},
		{&l.ListNextOffset, lc.ListNextOffset},
		{&l.ListWidth, lc.ListWidth},
		{&l.ListElemNextOffset, lc.ListElemNextOffset},
		{&l.ListElemContentOffset, lc.ListElemContentOffset},
		{&l.ThreadStackOffset, lc.ThreadStackOffset},
		{&l.ThreadNameOffset, lc.ThreadNameOffset},
		{&l.StackSavedExcReturnOffset, lc.ExcReturnOffset},
	} {
		if f.src != nil {
			*f.dst = *f.src
		}
	}
	if lc.Stacking != "" {
		s, ok := rtos.LookupStacking(lc.Stacking)
		if !ok {
			err = multierror.Append(err, fmt.Errorf("unknown stacking %q", lc.Stacking))
		}
		l.Stacking = s
	}
	if lc.StackingFP != "" {
		s, ok := rtos.LookupStacking(lc.StackingFP)
		if !ok {
			err = multierror.Append(err, fmt.Errorf("unknown stacking %q", lc.StackingFP))
		}
		l.StackingFP = s
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func createDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	err = writeDefaultConfig(f)
	if err != nil {
		return fmt.Errorf("unable to write default configuration: %v", err)
	}
	return nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for rtosdbg.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Address of the gdb stub (OpenOCD listens on port 3333 by default).
# gdb-address: localhost:3333

# Command line of a gdb stub to start before connecting.
# stub: openocd -f board/pebble.cfg

# Name of the target, selects the layout of the FreeRTOS structures.
# Run 'rtosdbg variants' for the list of known targets.
# variant: stm32f4x.cpu

# configMAX_PRIORITIES of the firmware.
# max-priorities: 5

# How long to wait for a reply from the stub.
# packet-timeout: 5s

# Target memory cache.
# cache-block-size: 256
# cache-blocks: 64
# disable-cache: false

# Addresses of symbols, used instead of the ones found in the ELF file.
symbols:
  # pxCurrentTCB: 0x20000010

# Memory saved by the dump command.
dump-regions:
  # - {addr: 0x20000000, size: 0x20000}

# Additional structure layouts. Fields that are not given are copied from
# the layout named by base.
layouts:
  # - variant: my-board.cpu
  #   base: stm32f4x.cpu
  #   thread-name-offset: 52
  #   stacking: cortex-m4-pebble
  #   stacking-fp: cortex-m4-pebble-fp
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if home := os.Getenv("RTOSDBG_HOME"); home != "" {
		return path.Join(home, file), nil
	}
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
