package monitor

import (
	"context"
	"strconv"
	"strings"
)

var cpuCommand = batch(
	"grep 'model name' /proc/cpuinfo | head -1 | cut -d: -f2",
	"grep -c '^processor' /proc/cpuinfo",
	"grep '^core id' /proc/cpuinfo | sort -u | wc -l",
	"cat /proc/loadavg",
	"cat /proc/stat | grep '^cpu'",
)

type cpuTicks struct {
	user, nice, system, idle, iowait, irq, softirq, steal uint64
}

func (t cpuTicks) total() uint64 {
	return t.user + t.nice + t.system + t.idle + t.iowait + t.irq + t.softirq + t.steal
}

// active excludes idle and iowait.
func (t cpuTicks) active() uint64 {
	return t.user + t.nice + t.system + t.irq + t.softirq + t.steal
}

// parseCPULine parses one /proc/stat cpu line.
func parseCPULine(line string) (string, cpuTicks, bool) {
	f := strings.Fields(line)
	if len(f) < 9 {
		return "", cpuTicks{}, false
	}
	v := func(i int) uint64 {
		n, _ := strconv.ParseUint(f[i], 10, 64)
		return n
	}
	return f[0], cpuTicks{
		user: v(1), nice: v(2), system: v(3), idle: v(4),
		iowait: v(5), irq: v(6), softirq: v(7), steal: v(8),
	}, true
}

type CPUBreakdown struct {
	User   float64 `json:"user"`
	System float64 `json:"system"`
	IOWait float64 `json:"iowait"`
	Idle   float64 `json:"idle"`
}

type CPUStats struct {
	Model          string       `json:"model"`
	PhysicalCores  int          `json:"physicalCores"`
	LogicalThreads int          `json:"logicalThreads"`
	Usage          float64      `json:"usage"`
	LoadAvg        [3]float64   `json:"loadAvg"`
	Breakdown      CPUBreakdown `json:"breakdown"`
	PerCoreUsage   []float64    `json:"perCoreUsage"`
}

// CPU samples processor usage. Usage figures are relative to the previous
// call for the same session; the first call reports zero.
func (s *Sampler) CPU(ctx context.Context, sessionID string, r Runner) (*CPUStats, error) {
	parts, err := runBatch(ctx, r, cpuCommand, 5)
	if err != nil {
		return nil, err
	}

	st := &CPUStats{
		Model:          strings.TrimSpace(parts[0]),
		LogicalThreads: atoiDefault(parts[1], 1),
		PhysicalCores:  atoiDefault(parts[2], 1),
		PerCoreUsage:   []float64{},
	}
	load := strings.Fields(parts[3])
	for i := 0; i < 3 && i < len(load); i++ {
		st.LoadAvg[i], _ = strconv.ParseFloat(load[i], 64)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.cpu[sessionID]
	if history == nil {
		history = make(map[string]cpuTicks)
		s.cpu[sessionID] = history
	}

	for _, line := range strings.Split(strings.TrimSpace(parts[4]), "\n") {
		label, cur, ok := parseCPULine(line)
		if !ok {
			continue
		}
		prev, seen := history[label]
		history[label] = cur

		var usage float64
		var dTotal uint64
		if seen {
			dTotal = subSat(cur.total(), prev.total())
		}
		if dTotal > 0 {
			usage = pct(subSat(cur.active(), prev.active()), dTotal)
		}

		if label == "cpu" {
			st.Usage = usage
			if dTotal > 0 {
				st.Breakdown = CPUBreakdown{
					User:   pct(subSat(cur.user, prev.user), dTotal),
					System: pct(subSat(cur.system+cur.irq+cur.softirq, prev.system+prev.irq+prev.softirq), dTotal),
					IOWait: pct(subSat(cur.iowait, prev.iowait), dTotal),
					Idle:   pct(subSat(cur.idle, prev.idle), dTotal),
				}
			}
			continue
		}
		if usage > 100 {
			usage = 100
		}
		st.PerCoreUsage = append(st.PerCoreUsage, usage)
	}
	return st, nil
}

func pct(part, total uint64) float64 {
	return float64(part) / float64(total) * 100
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}
