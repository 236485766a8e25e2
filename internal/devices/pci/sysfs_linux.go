package pci

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

const sysfsDevices = "/sys/bus/pci/devices"

// Linux IORESOURCE_* flags from the sysfs resource file.
const (
	ioresourceIO       = 0x00000100
	ioresourceMem      = 0x00000200
	ioresourcePrefetch = 0x00002000
	ioresourceMem64    = 0x00100000
)

// SysfsFunction accesses a host PCI function through sysfs.
type SysfsFunction struct {
	addr Address
	dir  string

	mu sync.Mutex
	fd int
}

// OpenSysfs opens the configuration space of a host PCI function.
func OpenSysfs(addr Address) (*SysfsFunction, error) {
	dir := filepath.Join(sysfsDevices, addr.String())
	fd, err := unix.Open(filepath.Join(dir, "config"), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s config: %w", addr, err)
	}
	return &SysfsFunction{addr: addr, dir: dir, fd: fd}, nil
}

// Address implements Function.
func (f *SysfsFunction) Address() Address { return f.addr }

// ReadConfig implements ConfigSpace.
func (f *SysfsFunction) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if err := checkConfigAccess(offset, size); err != nil {
		return 0, err
	}
	var buf [4]byte
	f.mu.Lock()
	n, err := unix.Pread(f.fd, buf[:size], int64(offset))
	f.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("pread %s config %#x: %w", f.addr, offset, err)
	}
	if n != int(size) {
		return 0, fmt.Errorf("pci: short config read (want %d, got %d)", size, n)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteConfig implements ConfigSpace.
func (f *SysfsFunction) WriteConfig(offset uint16, size uint8, value uint32) error {
	if err := checkConfigAccess(offset, size); err != nil {
		return err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	f.mu.Lock()
	n, err := unix.Pwrite(f.fd, buf[:size], int64(offset))
	f.mu.Unlock()
	if err != nil {
		return fmt.Errorf("pwrite %s config %#x: %w", f.addr, offset, err)
	}
	if n != int(size) {
		return fmt.Errorf("pci: short config write (want %d, got %d)", size, n)
	}
	return nil
}

// BARs reads the kernel's view of the BARs instead of resizing them under a
// bound driver.
func (f *SysfsFunction) BARs() ([]BAR, error) {
	file, err := os.Open(filepath.Join(f.dir, "resource"))
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return parseResource(file)
}

// Close releases the config file descriptor.
func (f *SysfsFunction) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fd < 0 {
		return nil
	}
	err := unix.Close(f.fd)
	f.fd = -1
	return err
}

func parseResource(r io.Reader) ([]BAR, error) {
	var bars []BAR
	scanner := bufio.NewScanner(r)
	for index := 0; index < type0BARCount && scanner.Scan(); index++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 {
			return nil, fmt.Errorf("pci: malformed resource line %q", scanner.Text())
		}
		var values [3]uint64
		for i, field := range fields {
			v, err := strconv.ParseUint(field, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("pci: parse resource %q: %w", field, err)
			}
			values[i] = v
		}
		start, end, flags := values[0], values[1], values[2]
		if start == 0 && end == 0 {
			continue
		}
		bar := BAR{
			Index:        index,
			Address:      start,
			Size:         end - start + 1,
			Prefetchable: flags&ioresourcePrefetch != 0,
		}
		switch {
		case flags&ioresourceIO != 0:
			bar.Kind = BARIO
		case flags&ioresourceMem64 != 0:
			bar.Kind = BARMemory64
		case flags&ioresourceMem != 0:
			bar.Kind = BARMemory32
		default:
			continue
		}
		bars = append(bars, bar)
	}
	return bars, scanner.Err()
}
