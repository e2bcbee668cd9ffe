package monitor

import (
	"context"
	"strconv"
	"strings"
)

var networkCommand = batch(
	"cat /proc/net/dev",
	"ip addr",
	"cat /proc/net/sockstat 2>/dev/null",
)

type Interface struct {
	Name    string   `json:"name"`
	IPv4    []string `json:"ipv4"`
	IPv6    []string `json:"ipv6"`
	MAC     string   `json:"mac"`
	Status  string   `json:"status"` // UP or DOWN
	RxSpeed uint64   `json:"rxSpeed"`
	TxSpeed uint64   `json:"txSpeed"`
	TotalRx uint64   `json:"totalRx"`
	TotalTx uint64   `json:"totalTx"`
}

type NetworkStats struct {
	TotalRx        uint64      `json:"totalRx"`
	TotalTx        uint64      `json:"totalTx"`
	RxSpeed        uint64      `json:"rxSpeed"`
	TxSpeed        uint64      `json:"txSpeed"`
	TCPConnections uint64      `json:"tcpConnections"`
	Interfaces     []Interface `json:"interfaces"`
}

// ignoredInterface filters loopback and bridges.
func ignoredInterface(name string) bool {
	return name == "lo" || strings.HasPrefix(name, "br-")
}

type traffic struct{ rx, tx, rxRate, txRate uint64 }

// Network reports per-interface traffic, addresses and the TCP socket count.
func (s *Sampler) Network(ctx context.Context, sessionID string, r Runner) (*NetworkStats, error) {
	parts, err := runBatch(ctx, r, networkCommand, 3)
	if err != nil {
		return nil, err
	}

	st := &NetworkStats{Interfaces: []Interface{}, TCPConnections: parseSockstat(parts[2])}

	s.mu.Lock()
	now := s.now()
	prev, seen := s.net[sessionID]
	elapsed := now.Sub(prev.at)

	byName := make(map[string]traffic)
	next := netSample{ifaces: make(map[string][2]uint64), at: now}
	lines := strings.Split(parts[0], "\n")
	for i, line := range lines {
		// two header lines
		if i < 2 {
			continue
		}
		f := strings.Fields(strings.ReplaceAll(line, ":", " "))
		if len(f) < 10 || ignoredInterface(f[0]) {
			continue
		}
		var t traffic
		t.rx, _ = strconv.ParseUint(f[1], 10, 64)
		t.tx, _ = strconv.ParseUint(f[9], 10, 64)
		if seen {
			if p, ok := prev.ifaces[f[0]]; ok {
				t.rxRate = rate(t.rx, p[0], elapsed)
				t.txRate = rate(t.tx, p[1], elapsed)
			}
		}
		byName[f[0]] = t
		next.ifaces[f[0]] = [2]uint64{t.rx, t.tx}

		st.TotalRx += t.rx
		st.TotalTx += t.tx
		st.RxSpeed += t.rxRate
		st.TxSpeed += t.txRate
	}
	s.net[sessionID] = next
	s.mu.Unlock()

	st.Interfaces = parseIPAddr(parts[1], byName)
	return st, nil
}

func parseSockstat(out string) uint64 {
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "TCP: inuse") {
			f := strings.Fields(line)
			if len(f) > 2 {
				n, _ := strconv.ParseUint(f[2], 10, 64)
				return n
			}
		}
	}
	return 0
}

// parseIPAddr walks `ip addr` blocks and attaches traffic by name.
// Interfaces without a traffic line keep zero counters.
func parseIPAddr(out string, byName map[string]traffic) []Interface {
	ifaces := []Interface{}
	var cur *Interface
	flush := func() {
		if cur != nil {
			ifaces = append(ifaces, *cur)
		}
		cur = nil
	}

	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if line != "" && line[0] >= '0' && line[0] <= '9' && strings.Contains(line, ":") {
			flush()
			fields := strings.SplitN(line, ":", 3)
			if len(fields) < 2 {
				continue
			}
			name := strings.TrimSpace(fields[1])
			if i := strings.IndexByte(name, '@'); i >= 0 {
				name = name[:i]
			}
			if ignoredInterface(name) {
				continue
			}
			iface := Interface{Name: name, Status: "DOWN", IPv4: []string{}, IPv6: []string{}}
			if strings.Contains(line, "state UP") {
				iface.Status = "UP"
			}
			if t, ok := byName[name]; ok {
				iface.TotalRx, iface.TotalTx = t.rx, t.tx
				iface.RxSpeed, iface.TxSpeed = t.rxRate, t.txRate
			}
			cur = &iface
			continue
		}
		if cur == nil {
			continue
		}
		f := strings.Fields(trimmed)
		if len(f) < 2 {
			continue
		}
		addr := f[1]
		if i := strings.IndexByte(addr, '/'); i >= 0 {
			addr = addr[:i]
		}
		switch f[0] {
		case "link/ether":
			cur.MAC = f[1]
		case "inet":
			cur.IPv4 = append(cur.IPv4, addr)
		case "inet6":
			cur.IPv6 = append(cur.IPv6, addr)
		}
	}
	flush()
	return ifaces
}
