package monitor

import (
	"context"
	"strconv"
	"strings"
)

type MemoryStats struct {
	Total     uint64  `json:"total"`
	Available uint64  `json:"available"`
	Used      uint64  `json:"used"`
	Free      uint64  `json:"free"`
	Buffers   uint64  `json:"buffers"`
	Cached    uint64  `json:"cached"`
	SwapTotal uint64  `json:"swapTotal"`
	SwapFree  uint64  `json:"swapFree"`
	SwapUsed  uint64  `json:"swapUsed"`
	Usage     float64 `json:"usage"`
}

// Memory reads /proc/meminfo. Used is total minus available.
func (s *Sampler) Memory(ctx context.Context, r Runner) (*MemoryStats, error) {
	out, _, _, err := r.Exec(ctx, "cat /proc/meminfo")
	if err != nil {
		return nil, err
	}
	m := parseMeminfo(out)
	if m.Total == 0 {
		return nil, ErrFormat
	}
	return m, nil
}

func parseMeminfo(out string) *MemoryStats {
	m := &MemoryStats{}
	for _, line := range strings.Split(out, "\n") {
		f := strings.Fields(line)
		if len(f) < 2 {
			continue
		}
		kb, _ := strconv.ParseUint(f[1], 10, 64)
		val := kb * 1024
		switch f[0] {
		case "MemTotal:":
			m.Total = val
		case "MemFree:":
			m.Free = val
		case "MemAvailable:":
			m.Available = val
		case "Buffers:":
			m.Buffers = val
		case "Cached:":
			m.Cached = val
		case "SwapTotal:":
			m.SwapTotal = val
		case "SwapFree:":
			m.SwapFree = val
		}
	}
	m.Used = subSat(m.Total, m.Available)
	m.SwapUsed = subSat(m.SwapTotal, m.SwapFree)
	if m.Total > 0 {
		m.Usage = pct(m.Used, m.Total)
	}
	return m
}
