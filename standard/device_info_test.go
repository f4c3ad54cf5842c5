package standard

import (
	"context"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeDetector(goos string, files map[string]string, env map[string]string) *Detector {
	d := NewDetector("1.2.3")
	d.goos = goos
	d.goarch = "amd64"
	d.readFile = func(name string) ([]byte, error) {
		if v, ok := files[name]; ok {
			return []byte(v), nil
		}
		return nil, fs.ErrNotExist
	}
	d.getenv = func(k string) string { return env[k] }
	return d
}

func TestDetectorLinuxContainer(t *testing.T) {
	d := fakeDetector("linux", map[string]string{
		"/etc/os-release":                       "NAME=\"Debian GNU/Linux\"\nVERSION_ID=\"12\"\n",
		"/.dockerenv":                           "",
		"/sys/devices/virtual/dmi/id/sys_vendor": "QEMU\n",
	}, nil)

	info, err := d.SessionInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DeviceInfo{Brand: "QEMU", OS: "Linux", OSVersion: "12", Device: DeviceServer, Model: "amd64"}, info)
}

func TestDetectorFallsBackToKernelRelease(t *testing.T) {
	d := fakeDetector("linux", map[string]string{
		"/proc/sys/kernel/osrelease": "6.8.0-generic\n",
	}, map[string]string{"DISPLAY": ":0"})

	info, err := d.SessionInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "6.8.0-generic", info.OSVersion)
	assert.Equal(t, DeviceDesktop, info.Device)
	assert.Equal(t, "unknown", info.Brand)
}

func TestDetectorDarwin(t *testing.T) {
	d := fakeDetector("darwin", nil, nil)

	info, err := d.SessionInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Apple", info.Brand)
	assert.Equal(t, "Mac OS", info.OS)
	assert.Equal(t, DeviceDesktop, info.Device)
}

func TestDetectorCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fakeDetector("linux", nil, nil).SessionInfo(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUserAgent(t *testing.T) {
	d := fakeDetector("linux", map[string]string{"/etc/os-release": "VERSION_ID=22.04\n"}, nil)

	ua := d.UserAgent()
	assert.True(t, strings.HasPrefix(ua, "Mozilla/5.0 (Linux 22_04; amd64) Go/"), ua)
	assert.True(t, strings.HasSuffix(ua, " OpenPanel/1.2.3"), ua)
}
