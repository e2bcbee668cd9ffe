package monitor

import (
	"context"
	"strconv"
	"strings"
)

var osCommand = batch(
	"cat /proc/uptime",
	"uname -r",
	"uname -m",
	"(grep PRETTY_NAME /etc/os-release || uname -o)",
	"(cat /etc/timezone 2>/dev/null || date +%Z 2>/dev/null || echo 'Unknown')",
)

type OSInfo struct {
	Uptime   uint64 `json:"uptime"` // seconds
	Distro   string `json:"distro"`
	Kernel   string `json:"kernel"`
	Arch     string `json:"arch"`
	Timezone string `json:"timezone"`
}

func (s *Sampler) OSInfo(ctx context.Context, r Runner) (*OSInfo, error) {
	parts, err := runBatch(ctx, r, osCommand, 5)
	if err != nil {
		return nil, err
	}
	info := &OSInfo{
		Kernel:   strings.TrimSpace(parts[1]),
		Arch:     strings.TrimSpace(parts[2]),
		Timezone: strings.TrimSpace(parts[4]),
	}
	if f := strings.Fields(parts[0]); len(f) > 0 {
		up, _ := strconv.ParseFloat(f[0], 64)
		info.Uptime = uint64(up)
	}
	distro := strings.TrimSpace(parts[3])
	if i := strings.IndexByte(distro, '='); i >= 0 {
		distro = strings.ReplaceAll(distro[i+1:], `"`, "")
	}
	info.Distro = distro
	return info, nil
}
