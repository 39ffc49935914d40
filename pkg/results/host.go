package results

import (
	"runtime"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/sirupsen/logrus"
)

// HostInfo describes the machine that collected a build's results.
type HostInfo struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform,omitempty"`
	PlatformVersion string `json:"platform_version,omitempty"`
	KernelVersion   string `json:"kernel_version,omitempty"`
	Arch            string `json:"arch"`
	CPUs            int    `json:"cpus"`
}

// collectHostInfo gathers host metadata. Failures are logged and leave the
// corresponding fields empty.
func collectHostInfo(log logrus.FieldLogger) *HostInfo {
	info := &HostInfo{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
		CPUs: runtime.NumCPU(),
	}

	hi, err := host.Info()
	if err != nil {
		log.WithError(err).Warn("Failed to collect host info")

		return info
	}

	info.Hostname = hi.Hostname
	info.Platform = hi.Platform
	info.PlatformVersion = hi.PlatformVersion
	info.KernelVersion = hi.KernelVersion

	if hi.KernelArch != "" {
		info.Arch = hi.KernelArch
	}

	return info
}
