package volume

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

const (
	// DefaultVolumesPath is the base directory for local volumes
	DefaultVolumesPath = "/var/lib/topo/volumes"

	// DefaultDriver is used when a volume declares no driver
	DefaultDriver = "local"
)

var volumeNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// VolumeDriver defines the interface for volume drivers
type VolumeDriver interface {
	// Create creates the volume if missing and reports whether it did
	Create(name string) (created bool, err error)

	// Delete removes a volume
	Delete(name string) error

	// Exists reports whether a volume exists
	Exists(name string) (bool, error)

	// Path returns the host path containers bind the volume from
	Path(name string) string
}

// LocalDriver stores each volume as a directory under a base path
type LocalDriver struct {
	basePath string
}

// NewLocalDriver creates a new local volume driver
func NewLocalDriver(basePath string) (*LocalDriver, error) {
	if basePath == "" {
		basePath = DefaultVolumesPath
	}

	// Ensure base directory exists
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create volumes directory: %w", err)
	}

	return &LocalDriver{
		basePath: basePath,
	}, nil
}

// Create creates the volume directory
func (d *LocalDriver) Create(name string) (bool, error) {
	if err := checkName(name); err != nil {
		return false, err
	}

	exists, err := d.Exists(name)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	if err := os.MkdirAll(d.Path(name), 0755); err != nil {
		return false, fmt.Errorf("failed to create volume directory: %w", err)
	}
	return true, nil
}

// Delete removes a volume directory and its contents
func (d *LocalDriver) Delete(name string) error {
	if err := checkName(name); err != nil {
		return err
	}

	volumePath := d.Path(name)
	if _, err := os.Stat(volumePath); os.IsNotExist(err) {
		return nil // Already deleted
	}

	if err := os.RemoveAll(volumePath); err != nil {
		return fmt.Errorf("failed to delete volume directory: %w", err)
	}
	return nil
}

// Exists reports whether the volume directory exists
func (d *LocalDriver) Exists(name string) (bool, error) {
	info, err := os.Stat(d.Path(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat volume %s: %w", name, err)
	}
	if !info.IsDir() {
		return false, fmt.Errorf("volume %s is not a directory", name)
	}
	return true, nil
}

// Path returns the host path for a volume
func (d *LocalDriver) Path(name string) string {
	return filepath.Join(d.basePath, name)
}

// checkName keeps volume names from escaping the base path
func checkName(name string) error {
	if !volumeNamePattern.MatchString(name) {
		return fmt.Errorf("invalid volume name %q", name)
	}
	return nil
}

// VolumeManager dispatches volume operations to drivers by name
type VolumeManager struct {
	drivers map[string]VolumeDriver
}

// NewVolumeManager creates a manager with a local driver rooted at basePath
func NewVolumeManager(basePath string) (*VolumeManager, error) {
	localDriver, err := NewLocalDriver(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create local driver: %w", err)
	}

	return &VolumeManager{
		drivers: map[string]VolumeDriver{
			DefaultDriver: localDriver,
		},
	}, nil
}

// GetDriver returns the driver with the given name; empty selects the local driver
func (vm *VolumeManager) GetDriver(driverName string) (VolumeDriver, error) {
	if driverName == "" {
		driverName = DefaultDriver
	}
	driver, ok := vm.drivers[driverName]
	if !ok {
		return nil, fmt.Errorf("unknown volume driver: %s", driverName)
	}
	return driver, nil
}

// CreateVolume creates a volume using the named driver
func (vm *VolumeManager) CreateVolume(driverName, name string) (bool, error) {
	driver, err := vm.GetDriver(driverName)
	if err != nil {
		return false, err
	}
	return driver.Create(name)
}

// DeleteVolume deletes a volume using the named driver
func (vm *VolumeManager) DeleteVolume(driverName, name string) error {
	driver, err := vm.GetDriver(driverName)
	if err != nil {
		return err
	}
	return driver.Delete(name)
}

// VolumeExists reports whether any driver holds the volume
func (vm *VolumeManager) VolumeExists(name string) (bool, error) {
	for _, driver := range vm.drivers {
		ok, err := driver.Exists(name)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// MountPath returns the host path of an existing volume
func (vm *VolumeManager) MountPath(name string) (string, error) {
	for _, driver := range vm.drivers {
		ok, err := driver.Exists(name)
		if err != nil {
			return "", err
		}
		if ok {
			return driver.Path(name), nil
		}
	}
	return "", fmt.Errorf("volume %s does not exist", name)
}
