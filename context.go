package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/tvrzna/go-utils/args"
	"gopkg.in/yaml.v3"
)

type contextAction byte

const (
	contextActionDaemon contextAction = iota
	contextActionList
	contextActionCheck
	contextActionSleep
)

const (
	pathBlocks   = "/sys/block"
	devicePrefix = "/dev/"

	defaultInterval       = 60
	defaultSuspendTimeout = 60
)

var buildVersion string

type context struct {
	configs  []deviceConfig
	devices  []*device
	interval int64
	debug    bool
	hddOnly  bool
	suspend  *suspendCoordinator
	action   contextAction
	d        *daemon
}

// fileConfig is the optional YAML configuration file. CLI flags win over
// file values; devices from the file and from positional arguments are
// combined.
type fileConfig struct {
	Interval int64 `yaml:"interval"`
	Debug    bool  `yaml:"debug"`
	HddOnly  bool  `yaml:"hdd_only"`
	Suspend  struct {
		Enabled     bool   `yaml:"enabled"`
		Timeout     int64  `yaml:"timeout"`
		CheckScript string `yaml:"check_script"`
	} `yaml:"suspend"`
	Devices []struct {
		Name        string `yaml:"name"`
		IdleTimeout int64  `yaml:"idle_timeout"`
	} `yaml:"devices"`
}

// defaultConfigPaths are searched when --config is not given; a missing
// file there is not an error.
func defaultConfigPaths() []string {
	return []string{
		"/etc/spindownd/config.yaml",
		filepath.Join(os.Getenv("HOME"), ".config/spindownd/config.yaml"),
	}
}

func loadConfigFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// parseDeviceArg parses one DEVICE:TIMEOUT positional, e.g. "sdb:300" or
// "/dev/md127:600".
func parseDeviceArg(val string) (deviceConfig, error) {
	name, timeoutStr, found := strings.Cut(val, ":")
	if !found {
		return deviceConfig{}, fmt.Errorf("'%s': expected DEVICE:TIMEOUT", val)
	}
	name = strings.TrimPrefix(name, devicePrefix)
	if !validDeviceName(name) {
		return deviceConfig{}, fmt.Errorf("'%s': invalid device name", val)
	}
	timeout, err := strconv.ParseInt(timeoutStr, 10, 64)
	if err != nil || timeout < 1 {
		return deviceConfig{}, fmt.Errorf("'%s': timeout must be a number greater than 0", val)
	}
	return deviceConfig{name: name, idleTimeout: timeout}, nil
}

func validDeviceName(name string) bool {
	if name == "" || strings.Contains(name, "/") {
		return false
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// Initializes the context from the config file (if any) and CLI arguments.
func initContext(osArgs []string) (*context, error) {
	c := &context{interval: defaultInterval, action: contextActionDaemon}
	suspendCfg := suspendConfig{timeout: defaultSuspendTimeout}

	osArgs = osArgs[1:]

	// The config file has to be known before the other flags apply on
	// top of it, so --config is picked out first.
	var configPath string
	args.ParseArgs(osArgs, func(arg, value string) {
		if arg == "--config" {
			configPath = value
		}
	})

	if configPath != "" {
		cfg, err := loadConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := c.applyFileConfig(cfg, &suspendCfg); err != nil {
			return nil, err
		}
	} else {
		for _, path := range defaultConfigPaths() {
			cfg, err := loadConfigFile(path)
			if err != nil {
				continue
			}
			if err := c.applyFileConfig(cfg, &suspendCfg); err != nil {
				return nil, err
			}
			break
		}
	}

	var argErr error
	args.ParseArgs(osArgs, func(arg, value string) {
		switch arg {
		case "-h", "--help":
			c.printHelp()
		case "-v", "--version":
			fmt.Printf("spindownd %s\n\nSpin-down idle hard disks without relying on the firmware.\n", c.getVersion())
			os.Exit(0)
		case "-i", "--interval":
			interval, err := strconv.ParseInt(value, 10, 64)
			if err != nil || interval < 1 {
				argErr = fmt.Errorf("interval must be a number greater than 0, got '%s'", value)
				return
			}
			c.interval = interval
		case "-d", "--debug":
			c.debug = true
		case "-H", "--hdd-only":
			c.hddOnly = true
		case "-l", "--list":
			c.action = contextActionList
		case "-C", "--check":
			c.action = contextActionCheck
		case "-Y", "--sleep":
			c.action = contextActionSleep
		case "--suspend":
			suspendCfg.enabled = true
		case "--suspend-timeout":
			timeout, err := strconv.ParseInt(value, 10, 64)
			if err != nil || timeout < 0 {
				argErr = fmt.Errorf("suspend timeout must be a non-negative number, got '%s'", value)
				return
			}
			suspendCfg.timeout = timeout
		case "--suspend-check-script":
			suspendCfg.checkScript = value
		case "--config":
			// handled in the first pass
		default:
			if !strings.Contains(arg, ":") {
				return
			}
			cfg, err := parseDeviceArg(arg)
			if err != nil {
				argErr = err
				return
			}
			if err := c.addDeviceConfig(cfg); err != nil {
				argErr = err
			}
		}
	})
	if argErr != nil {
		return nil, argErr
	}

	c.suspend = newSuspendCoordinator(suspendCfg, c.debug)
	if c.action == contextActionDaemon {
		c.d = &daemon{c: c, now: nowUnix}
	}

	return c, nil
}

func (c *context) applyFileConfig(cfg *fileConfig, suspendCfg *suspendConfig) error {
	if cfg.Interval > 0 {
		c.interval = cfg.Interval
	}
	if cfg.Debug {
		c.debug = true
	}
	if cfg.HddOnly {
		c.hddOnly = true
	}
	suspendCfg.enabled = cfg.Suspend.Enabled
	if cfg.Suspend.Timeout > 0 {
		suspendCfg.timeout = cfg.Suspend.Timeout
	}
	if cfg.Suspend.CheckScript != "" {
		suspendCfg.checkScript = cfg.Suspend.CheckScript
	}
	for _, d := range cfg.Devices {
		name := strings.TrimPrefix(d.Name, devicePrefix)
		if !validDeviceName(name) {
			return fmt.Errorf("'%s': invalid device name", d.Name)
		}
		if d.IdleTimeout < 1 {
			return fmt.Errorf("'%s': idle_timeout must be greater than 0", d.Name)
		}
		if err := c.addDeviceConfig(deviceConfig{name: name, idleTimeout: d.IdleTimeout}); err != nil {
			return err
		}
	}
	return nil
}

func (c *context) addDeviceConfig(cfg deviceConfig) error {
	for _, existing := range c.configs {
		if existing.name == cfg.name {
			return fmt.Errorf("device '%s' is configured twice", cfg.name)
		}
	}
	c.configs = append(c.configs, cfg)
	return nil
}

// Performs initialization of configured devices. Devices whose stats entry
// cannot be read are dropped with a warning; no usable device at all is a
// startup failure.
func (c *context) initDevices() error {
	if len(c.configs) == 0 {
		return errors.New("no device is defined")
	}

	stats := sysfsCounters{base: pathBlocks}
	for _, cfg := range c.configs {
		if c.hddOnly && !isRotational(cfg.name) {
			log.Printf("'%s' is not a rotational device, skipping", cfg.name)
			continue
		}
		if _, err := stats.read(cfg.name); err != nil {
			log.Printf("dropping '%s': %v", cfg.name, err)
			continue
		}
		c.devices = append(c.devices, newDevice(cfg, newSgioController(cfg.name), stats, c.debug))
	}

	if len(c.devices) == 0 {
		return errors.New("no device is available")
	}
	return nil
}

// Starts the daemon.
func (c *context) startDaemon() error {
	if err := c.initDevices(); err != nil {
		return err
	}
	c.d.start()
	return nil
}

func isRotational(name string) bool {
	b, err := os.ReadFile(filepath.Join(pathBlocks, name, "queue", "rotational"))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(b)) == "1"
}

// listBlockDevices returns the names of all block devices except loop and
// zero-size ones, honoring the hdd-only filter.
func (c *context) listBlockDevices() []string {
	dir, err := os.ReadDir(pathBlocks)
	if err != nil {
		log.Printf("could not read from '%s'", pathBlocks)
		return nil
	}

	var names []string
	for _, f := range dir {
		name := f.Name()
		if strings.HasPrefix(name, "loop") {
			continue
		}
		if deviceSize(name) == 0 {
			continue
		}
		if c.hddOnly && !isRotational(name) {
			continue
		}
		names = append(names, name)
	}
	return names
}

// deviceSize returns the device capacity in bytes.
func deviceSize(name string) uint64 {
	b, err := os.ReadFile(filepath.Join(pathBlocks, name, "size"))
	if err != nil {
		return 0
	}
	blocks, _ := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	return blocks * 512
}

// Prints all available devices with size, type and current power mode.
func (c *context) printListedDevices() {
	names := c.listBlockDevices()
	if len(names) == 0 {
		fmt.Printf("No device to be listed\n")
		os.Exit(1)
	}
	fmt.Printf("Listed devices:\n")
	for _, name := range names {
		kind := "ssd"
		if isRotational(name) {
			kind = "hdd"
		}
		mode, _ := newSgioController(name).queryPowerMode()
		fmt.Printf("\t%s%s\t%s\t%s\t%s\n", devicePrefix, name,
			humanize.IBytes(deviceSize(name)), kind, mode)
	}
}

// Checks power mode of configured devices.
func (c *context) checkDevices() error {
	if err := c.initDevices(); err != nil {
		return err
	}
	for _, dev := range c.devices {
		mode, err := dev.ctrl.queryPowerMode()
		fmt.Printf("%s%s (%s)\n", devicePrefix, dev.name, mode)
		if err != nil {
			fmt.Printf("\t%v\n", err)
		}
	}
	return nil
}

// Puts configured devices into standby mode immediately.
func (c *context) sleepDevices() error {
	if err := c.initDevices(); err != nil {
		return err
	}
	for _, dev := range c.devices {
		fmt.Print(devicePrefix, dev.name)
		if err := dev.ctrl.requestStandby(); err != nil {
			fmt.Printf(": %v\n", err)
		} else {
			fmt.Printf(": putting into standby\n")
		}
	}
	return nil
}

// Gets project version
func (c *context) getVersion() string {
	if buildVersion == "" {
		return "develop"
	}
	return buildVersion
}

// Prints help/usage
func (c *context) printHelp() {
	fmt.Printf(`Usage: spindownd [options] [DEVICE:TIMEOUT ...]

Watches the I/O counters of the given block devices and issues an ATA
STANDBY IMMEDIATE once a device has been idle for TIMEOUT seconds.
Example: spindownd -i 60 sdb:300 sdc:600

Options:
	-h, --help				print this help
	-v, --version				print version
	-i, --interval [SECONDS]		seconds between checks (default = 60)
	-d, --debug				log every state transition and passthrough exchange
	-H, --hdd-only				only accept rotational devices, skipping SSDs
	-l, --list				list all available devices with their power mode
	-C, --check				check power mode of configured devices
	-Y, --sleep				put configured devices into standby mode
	--config [PATH]				read configuration from a YAML file
	--suspend				suspend the host once all devices are in standby
	--suspend-timeout [SECONDS]		seconds all devices must stay in standby before
						suspending (default = 60)
	--suspend-check-script [PATH]		script that must exit 0 before the host suspends
`)
	os.Exit(0)
}
