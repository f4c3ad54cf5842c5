package standard

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
)

// DeviceInfo is the static session metadata attached to every event as
// reserved global properties.
type DeviceInfo struct {
	Brand     string `json:"brand"`
	OS        string `json:"os"`
	OSVersion string `json:"osVersion"`
	Device    string `json:"device"`
	Model     string `json:"model"`
}

// Device classes.
const (
	DeviceServer  = "server"
	DeviceDesktop = "desktop"
)

// Detector detects DeviceInfo for the running Go process.
type Detector struct {
	sdkVersion string
	goos       string
	goarch     string
	readFile   func(string) ([]byte, error)
	getenv     func(string) string
}

// NewDetector creates a detector for the host process. sdkVersion ends up in the user agent.
func NewDetector(sdkVersion string) *Detector {
	return &Detector{
		sdkVersion: sdkVersion,
		goos:       runtime.GOOS,
		goarch:     runtime.GOARCH,
		readFile:   os.ReadFile,
		getenv:     os.Getenv,
	}
}

// SessionInfo detects the device metadata. It never fails on missing
// sources; unknown fields are reported as "unknown".
func (d *Detector) SessionInfo(ctx context.Context) (DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return DeviceInfo{}, err
	}

	info := DeviceInfo{
		Brand:     "unknown",
		OS:        osName(d.goos),
		OSVersion: "unknown",
		Device:    d.detectDevice(),
		Model:     d.goarch,
	}

	switch d.goos {
	case "linux":
		if v := d.osRelease("VERSION_ID"); v != "" {
			info.OSVersion = v
		} else if data, err := d.readFile("/proc/sys/kernel/osrelease"); err == nil {
			info.OSVersion = strings.TrimSpace(string(data))
		}
		if data, err := d.readFile("/sys/devices/virtual/dmi/id/sys_vendor"); err == nil {
			if v := strings.TrimSpace(string(data)); v != "" {
				info.Brand = v
			}
		}
		if data, err := d.readFile("/sys/devices/virtual/dmi/id/product_name"); err == nil {
			if v := strings.TrimSpace(string(data)); v != "" {
				info.Model = v
			}
		}
	case "darwin":
		info.Brand = "Apple"
	}

	return info, nil
}

// UserAgent builds the user-agent header value sent with every request.
func (d *Detector) UserAgent() string {
	info, _ := d.SessionInfo(context.Background())
	return fmt.Sprintf("Mozilla/5.0 (%s %s; %s) Go/%s OpenPanel/%s",
		info.OS, strings.ReplaceAll(info.OSVersion, ".", "_"), info.Model,
		strings.TrimPrefix(runtime.Version(), "go"), d.sdkVersion)
}

// detectDevice classifies the host. Containers and systemd units are servers.
func (d *Detector) detectDevice() string {
	if d.getenv("INVOCATION_ID") != "" || d.getenv("KUBERNETES_SERVICE_HOST") != "" {
		return DeviceServer
	}
	if _, err := d.readFile("/.dockerenv"); err == nil {
		return DeviceServer
	}
	if data, err := d.readFile("/proc/self/cgroup"); err == nil {
		if bytes.Contains(data, []byte("docker")) || bytes.Contains(data, []byte("containerd")) {
			return DeviceServer
		}
	}
	if d.goos == "linux" && d.getenv("DISPLAY") == "" && d.getenv("WAYLAND_DISPLAY") == "" {
		return DeviceServer
	}
	return DeviceDesktop
}

// osRelease reads a key from /etc/os-release.
func (d *Detector) osRelease(key string) string {
	data, err := d.readFile("/etc/os-release")
	if err != nil {
		return ""
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		k, v, ok := strings.Cut(scanner.Text(), "=")
		if ok && k == key {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}

func osName(goos string) string {
	switch goos {
	case "linux":
		return "Linux"
	case "darwin":
		return "Mac OS"
	case "windows":
		return "Windows"
	case "freebsd":
		return "FreeBSD"
	default:
		return goos
	}
}
