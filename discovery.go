package armctl

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial/enumerator"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"

	"armctl/pkg/transport"
)

// DiscoveryModel is the discovery service's resource model.
var DiscoveryModel = resource.NewModel("devrel", "gravcomp-arm", "discovery")

func init() {
	resource.RegisterService(
		discovery.API,
		DiscoveryModel,
		resource.Registration[discovery.Service, *DiscoveryConfig]{
			Constructor: newDiscovery,
		})
}

// DiscoveryConfig is the configuration for the discovery service
type DiscoveryConfig struct {
	// ServoIDs must all answer for a port to count as an arm. Defaults to 1 through 6.
	ServoIDs []int         `json:"servo_ids,omitempty"`
	Baudrate int           `json:"baudrate,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

// Validate ensures the config is valid
func (cfg *DiscoveryConfig) Validate(path string) ([]string, []string, error) {
	for _, id := range cfg.ServoIDs {
		if id < 0 || id > 253 {
			return nil, nil, errors.Errorf("%s: invalid servo ID %d", path, id)
		}
	}
	return nil, nil, nil
}

// scanFunc lists the servo IDs answering on a port.
type scanFunc func(ctx context.Context, bus transport.BusConfig, first, last int) ([]int, error)

type armDiscovery struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	logger logging.Logger

	servoIDs []int
	bus      transport.BusConfig
	ports    func() []string
	scan     scanFunc
}

func newDiscovery(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (discovery.Service, error) {
	cfg, err := resource.NativeConfig[*DiscoveryConfig](conf)
	if err != nil {
		return nil, err
	}
	return newArmDiscovery(conf.ResourceName(), cfg, enumerateSerialPorts, scanFeetechPort, logger), nil
}

func newArmDiscovery(
	name resource.Name,
	cfg *DiscoveryConfig,
	ports func() []string,
	scan scanFunc,
	logger logging.Logger,
) *armDiscovery {
	ids := cfg.ServoIDs
	if len(ids) == 0 {
		ids = []int{1, 2, 3, 4, 5, 6}
	}
	baud := cfg.Baudrate
	if baud == 0 {
		baud = 1000000
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 500 * time.Millisecond
	}
	return &armDiscovery{
		Named:    name.AsNamed(),
		logger:   logger,
		servoIDs: ids,
		bus:      transport.BusConfig{BaudRate: baud, Timeout: timeout},
		ports:    ports,
		scan:     scan,
	}
}

// DiscoverResources scans serial ports for arms and returns controller configurations
func (dis *armDiscovery) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	dis.logger.Info("Starting arm discovery")

	allPorts := dis.ports()
	candidates := filterCandidatePorts(allPorts)
	dis.logger.Debugf("Filtered %d serial ports to %d candidates", len(allPorts), len(candidates))

	var configs []resource.Config
	for _, portPath := range candidates {
		select {
		case <-ctx.Done():
			dis.logger.Info("Discovery cancelled")
			return configs, ctx.Err()
		default:
		}
		if conf, ok := dis.discoverPort(ctx, portPath); ok {
			configs = append(configs, conf)
		}
	}

	if len(configs) == 0 {
		dis.logger.Info("No arms discovered")
	} else {
		dis.logger.Infof("Discovered %d arm controllers", len(configs))
	}
	return configs, nil
}

func (dis *armDiscovery) discoverPort(ctx context.Context, portPath string) (resource.Config, bool) {
	bus := dis.bus
	bus.Port = portPath
	first, last := idRange(dis.servoIDs)
	found, err := dis.scan(ctx, bus, first, last)
	if err != nil {
		dis.logger.Debugf("Failed to scan %s: %v", portPath, err)
		return resource.Config{}, false
	}
	if missing := missingIDs(dis.servoIDs, found); len(missing) > 0 {
		dis.logger.Debugf("No arm on %s: servos %v did not answer", portPath, missing)
		return resource.Config{}, false
	}

	portSuffix := extractPortSuffix(portPath)
	dis.logger.Infof("Discovered arm on %s (servos %v)", portPath, found)

	attrs := map[string]interface{}{
		"transport": TransportFeetech,
		"port":      portPath,
	}
	if dis.bus.BaudRate != 1000000 {
		attrs["baudrate"] = dis.bus.BaudRate
	}
	moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
	if moduleDataDir == "" {
		moduleDataDir = "/tmp"
	}
	if cal := findCalibrationFile(moduleDataDir, portSuffix, dis.logger); cal != "" {
		attrs["calibration_file"] = cal
	}
	return resource.Config{
		Name:       "gravcomp-arm-" + portSuffix,
		API:        generic.API,
		Model:      Model,
		Attributes: attrs,
	}, true
}

// scanFeetechPort borrows the port through the shared bus registry so a port already driven by a
// controller is not opened twice.
func scanFeetechPort(ctx context.Context, cfg transport.BusConfig, first, last int) ([]int, error) {
	bus, err := transport.FeetechBuses.Acquire(cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		//nolint:errcheck
		transport.FeetechBuses.Release(cfg.Port)
	}()

	scanCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	servos, err := bus.Scan(scanCtx, first, last)
	if err != nil {
		return nil, err
	}
	ids := make([]int, len(servos))
	for i, s := range servos {
		ids[i] = s.ID
	}
	return ids, nil
}

func idRange(ids []int) (int, int) {
	first, last := ids[0], ids[0]
	for _, id := range ids[1:] {
		if id < first {
			first = id
		}
		if id > last {
			last = id
		}
	}
	return first, last
}

func missingIDs(want, found []int) []int {
	seen := make(map[int]bool, len(found))
	for _, id := range found {
		seen[id] = true
	}
	var missing []int
	for _, id := range want {
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

// CandidatePorts lists the serial ports that look like USB servo adapters.
func CandidatePorts() []string {
	return filterCandidatePorts(enumerateSerialPorts())
}

// filterCandidatePorts filters serial ports by platform-specific naming patterns
func filterCandidatePorts(ports []string) []string {
	candidates := []string{}
	for _, port := range ports {
		if isCandidatePort(port) {
			candidates = append(candidates, port)
		}
	}
	return candidates
}

var candidatePrefixes = []string{
	// Linux
	"/dev/ttyUSB", "/dev/ttyACM",
	// macOS
	"/dev/tty.usbmodem", "/dev/tty.usbserial", "/dev/cu.usbmodem", "/dev/cu.usbserial",
	// Windows
	"COM",
}

func isCandidatePort(port string) bool {
	for _, prefix := range candidatePrefixes {
		if strings.HasPrefix(port, prefix) {
			return true
		}
	}
	return false
}

// extractPortSuffix extracts a friendly suffix from port path for naming
// /dev/ttyUSB0 -> "ttyUSB0"
// /dev/tty.usbmodem123 -> "usbmodem123"
func extractPortSuffix(portPath string) string {
	base := filepath.Base(portPath)
	for _, prefix := range []string{"tty.", "cu."} {
		if strings.HasPrefix(base, prefix+"usb") {
			return strings.TrimPrefix(base, prefix)
		}
	}
	return base
}

// findCalibrationFile returns the port-specific calibration file name in moduleDataDir, falling
// back to arm_calibration.json, or "" when neither exists.
func findCalibrationFile(moduleDataDir, portSuffix string, logger logging.Logger) string {
	for _, name := range []string{portSuffix + "_calibration.json", "arm_calibration.json"} {
		if _, err := os.Stat(filepath.Join(moduleDataDir, name)); err == nil {
			logger.Debugf("Found calibration file: %s", name)
			return name
		}
	}
	logger.Debug("No calibration file found")
	return ""
}

// enumerateSerialPorts returns a list of all serial ports on the system
func enumerateSerialPorts() []string {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return []string{}
	}
	var portPaths []string
	for _, port := range ports {
		portPaths = append(portPaths, port.Name)
	}
	return portPaths
}
