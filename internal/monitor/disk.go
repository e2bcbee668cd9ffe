package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

var diskCommand = batch(
	"lsblk -b -J -o NAME,SIZE,MOUNTPOINT,ROTA,RM,TYPE",
	"df -B1 2>/dev/null",
	"cat /proc/diskstats 2>/dev/null",
)

const sectorSize = 512

type Partition struct {
	Filesystem string `json:"filesystem"`
	TypeName   string `json:"typeName"`
	Total      uint64 `json:"total"`
	Used       uint64 `json:"used"`
	Available  uint64 `json:"available"`
	Mount      string `json:"mount"`
}

type DiskDevice struct {
	Name        string      `json:"name"`
	Total       uint64      `json:"total"`
	Used        uint64      `json:"used"`
	Available   uint64      `json:"available"`
	IsSSD       bool        `json:"isSsd"`
	IsRemovable bool        `json:"isRemovable"`
	ReadSpeed   uint64      `json:"readSpeed"`
	WriteSpeed  uint64      `json:"writeSpeed"`
	Partitions  []Partition `json:"partitions"`
}

type DiskStats struct {
	TotalCap   uint64       `json:"totalCap"`
	UsedCap    uint64       `json:"usedCap"`
	ReadSpeed  uint64       `json:"readSpeed"`
	WriteSpeed uint64       `json:"writeSpeed"`
	Disks      []DiskDevice `json:"disks"`
}

// lsblk emits numbers, strings or booleans for the same column depending on
// its version, so flexible columns stay raw.
type lsblkOutput struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name        string          `json:"name"`
	Size        json.RawMessage `json:"size"`
	Mountpoint  *string         `json:"mountpoint"`
	Mountpoints []*string       `json:"mountpoints"`
	Rota        json.RawMessage `json:"rota"`
	RM          json.RawMessage `json:"rm"`
	Type        string          `json:"type"`
	Children    []lsblkDevice   `json:"children"`
}

func (d *lsblkDevice) mount() string {
	if d.Mountpoint != nil {
		return *d.Mountpoint
	}
	if len(d.Mountpoints) > 0 && d.Mountpoints[0] != nil {
		return *d.Mountpoints[0]
	}
	return ""
}

func rawUint(raw json.RawMessage) uint64 {
	var v interface{}
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil {
		return 0
	}
	switch x := v.(type) {
	case float64:
		return uint64(x)
	case string:
		n, _ := strconv.ParseUint(x, 10, 64)
		return n
	}
	return 0
}

// rawBool reports whether a flag column is set; missing values read as def.
func rawBool(raw json.RawMessage, def bool) bool {
	var v interface{}
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil {
		return def
	}
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x == "1" || strings.EqualFold(x, "true")
	}
	return def
}

type dfRow struct{ total, used, avail uint64 }

func parseDF(out string) map[string]dfRow {
	rows := make(map[string]dfRow)
	lines := strings.Split(out, "\n")
	for i, line := range lines {
		if i == 0 {
			continue
		}
		c := strings.Fields(line)
		if len(c) < 6 {
			continue
		}
		var r dfRow
		r.total, _ = strconv.ParseUint(c[1], 10, 64)
		r.used, _ = strconv.ParseUint(c[2], 10, 64)
		r.avail, _ = strconv.ParseUint(c[3], 10, 64)
		rows[c[5]] = r
	}
	return rows
}

// parseDiskstats returns cumulative read and written bytes per device.
func parseDiskstats(out string) map[string][2]uint64 {
	io := make(map[string][2]uint64)
	for _, line := range strings.Split(out, "\n") {
		c := strings.Fields(line)
		if len(c) < 10 {
			continue
		}
		rd, _ := strconv.ParseUint(c[5], 10, 64)
		wr, _ := strconv.ParseUint(c[9], 10, 64)
		io[c[2]] = [2]uint64{rd * sectorSize, wr * sectorSize}
	}
	return io
}

func collectPartitions(d *lsblkDevice, df map[string]dfRow, out *[]Partition, used *uint64) {
	if m := d.mount(); m != "" {
		if r, ok := df[m]; ok {
			*out = append(*out, Partition{
				Filesystem: d.Name, TypeName: d.Type,
				Total: r.total, Used: r.used, Available: r.avail, Mount: m,
			})
			*used += r.used
		}
	}
	for i := range d.Children {
		collectPartitions(&d.Children[i], df, out, used)
	}
}

// Disks lists physical disks with their mounted partitions and throughput
// since the previous call for the session.
func (s *Sampler) Disks(ctx context.Context, sessionID string, r Runner) (*DiskStats, error) {
	parts, err := runBatch(ctx, r, diskCommand, 3)
	if err != nil {
		return nil, err
	}
	var ls lsblkOutput
	if err := json.Unmarshal([]byte(parts[0]), &ls); err != nil {
		return nil, fmt.Errorf("%w: lsblk JSON Error: %v", ErrFormat, err)
	}
	df := parseDF(parts[1])
	counters := parseDiskstats(parts[2])

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cache := s.disk[sessionID]
	if cache == nil {
		cache = make(map[string]ioSample)
		s.disk[sessionID] = cache
	}

	st := &DiskStats{Disks: []DiskDevice{}}
	for i := range ls.BlockDevices {
		dev := &ls.BlockDevices[i]
		if dev.Type != "disk" {
			continue
		}
		d := DiskDevice{
			Name:        dev.Name,
			Total:       rawUint(dev.Size),
			IsSSD:       !rawBool(dev.Rota, true),
			IsRemovable: rawBool(dev.RM, false),
			Partitions:  []Partition{},
		}
		collectPartitions(dev, df, &d.Partitions, &d.Used)
		d.Available = subSat(d.Total, d.Used)

		if cur, ok := counters[dev.Name]; ok {
			if prev, seen := cache[dev.Name]; seen {
				elapsed := now.Sub(prev.at)
				d.ReadSpeed = rate(cur[0], prev.read, elapsed)
				d.WriteSpeed = rate(cur[1], prev.write, elapsed)
			}
			cache[dev.Name] = ioSample{read: cur[0], write: cur[1], at: now}
		}

		st.TotalCap += d.Total
		st.UsedCap += d.Used
		st.ReadSpeed += d.ReadSpeed
		st.WriteSpeed += d.WriteSpeed
		st.Disks = append(st.Disks, d)
	}
	return st, nil
}
