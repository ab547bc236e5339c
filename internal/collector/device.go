package collector

import (
	"bufio"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Vansh-Raja/SSHCollector/internal/db"
)

// ConnectionSettings is how a device is reached and logged into.
type ConnectionSettings struct {
	ConnectionType string        `json:"connection_type"`
	Username       string        `json:"username,omitempty"`
	Password       string        `json:"-"`
	Prompt         string        `json:"prompt,omitempty"`
	SSHCommand     string        `json:"ssh_command,omitempty"`
	TelnetCommand  string        `json:"telnet_command,omitempty"`
	Port           int           `json:"port,omitempty"`
	KeyFile        string        `json:"rsa_key_file,omitempty"`
	KnownHostsFile string        `json:"known_hosts_file,omitempty"`
	Timeout        time.Duration `json:"-"`
}

// Device is a jump server or a collection target.
type Device struct {
	Name     string             `json:"name"`
	DBID     int                `json:"db_id,omitempty"`
	IP       string             `json:"ip,omitempty"`
	Settings ConnectionSettings `json:"connection_settings"`
}

// Address is the management address, falling back to the name.
func (d Device) Address() string {
	if d.IP != "" {
		return d.IP
	}
	return d.Name
}

// ReadDeviceList reads one host per line. Blank lines and lines starting
// with # are skipped. Every device gets the given connection type.
func ReadDeviceList(path, connectionType string) ([]Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open device list")
	}
	defer f.Close()

	var devices []Device
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		devices = append(devices, Device{
			Name:     line,
			IP:       line,
			Settings: ConnectionSettings{ConnectionType: connectionType},
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read device list")
	}
	return devices, nil
}

// DevicesFromDB converts inventory rows into devices.
func DevicesFromDB(models []db.DeviceModel) []Device {
	devices := make([]Device, 0, len(models))
	for _, m := range models {
		devices = append(devices, Device{
			Name: m.Name,
			DBID: m.ID,
			IP:   m.IP,
			Settings: ConnectionSettings{
				ConnectionType: m.Protocol,
				Port:           m.Port,
			},
		})
	}
	return devices
}
