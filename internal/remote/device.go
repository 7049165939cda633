package remote

import (
	"os"
	"runtime"
	"strings"

	"github.com/keithlinneman/linnemanlabs-addons/internal/cryptoutil"
)

var machineIDFiles = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// DeviceID derives a stable per-machine identifier from the machine id and
// platform. It never fails; with no machine id the hostname is used.
func DeviceID() string {
	return deviceID(machineID(), runtime.GOOS, runtime.GOARCH)
}

func deviceID(machine, goos, goarch string) string {
	return cryptoutil.SHA256Hex([]byte(machine + goos + goarch))
}

func machineID() string {
	for _, p := range machineIDFiles {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(b)); id != "" {
			return id
		}
	}
	h, _ := os.Hostname()
	return h
}
