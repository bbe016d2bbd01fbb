package procscan

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Record is one live process candidate for session correlation.
// Re-enumerated on every poll; never persisted.
type Record struct {
	PID         int32
	Cwd         string
	CommandLine string
	StartedAt   time.Time
}

// Inspector enumerates the OS process table on a fixed interval and
// filters it to the monitored tool's processes. Enumeration is best-effort:
// a failed cycle yields an empty record set and a log line, never an error
// that flips sessions to disconnected.
type Inspector struct {
	names    map[string]bool
	interval time.Duration
	out      chan []Record
}

func NewInspector(processNames []string, interval time.Duration) *Inspector {
	names := make(map[string]bool, len(processNames))
	for _, n := range processNames {
		names[n] = true
	}
	return &Inspector{
		names:    names,
		interval: interval,
		out:      make(chan []Record, 1),
	}
}

// Records delivers one slice per poll cycle. The channel has capacity 1
// and sends are non-blocking: a slow consumer sees the freshest cycle,
// not a backlog.
func (i *Inspector) Records() <-chan []Record {
	return i.out
}

// Run polls until ctx is cancelled. The first enumeration happens
// immediately so startup classification doesn't wait a full interval.
func (i *Inspector) Run(ctx context.Context) {
	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()

	i.emit(i.snapshot())

	for {
		select {
		case <-ctx.Done():
			log.Println("[procscan] stopped")
			return
		case <-ticker.C:
			i.emit(i.snapshot())
		}
	}
}

func (i *Inspector) emit(records []Record) {
	select {
	case i.out <- records:
	default:
		// Consumer hasn't taken the previous cycle; replace it.
		select {
		case <-i.out:
		default:
		}
		select {
		case i.out <- records:
		default:
		}
	}
}

// Snapshot enumerates the process table once. Per-process read failures
// (races with process exit, permissions) skip that process only.
func (i *Inspector) Snapshot() ([]Record, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("enumerating processes: %w", err)
	}

	var records []Record
	for _, p := range procs {
		cmdline, err := p.CmdlineSlice()
		if err != nil || len(cmdline) == 0 {
			continue
		}
		if !i.matches(cmdline) {
			continue
		}

		cwd, err := p.Cwd()
		if err != nil || cwd == "" {
			continue
		}

		var startedAt time.Time
		if ms, err := p.CreateTime(); err == nil {
			startedAt = time.UnixMilli(ms)
		}

		records = append(records, Record{
			PID:         p.Pid,
			Cwd:         cwd,
			CommandLine: strings.Join(cmdline, " "),
			StartedAt:   startedAt,
		})
	}
	return records, nil
}

func (i *Inspector) snapshot() []Record {
	records, err := i.Snapshot()
	if err != nil {
		// Treat as "no processes observed this cycle"; the classifier
		// never marks a session disconnected on this signal alone.
		log.Printf("[procscan] enumeration error: %v", err)
		return nil
	}
	return records
}

// matches reports whether a command line belongs to the monitored tool.
// The executable name is checked first; interpreter-launched tools (node
// running the CLI script) are matched by argument.
func (i *Inspector) matches(cmdline []string) bool {
	exe := filepath.Base(cmdline[0])
	if i.names[exe] {
		return true
	}

	if exe == "node" || strings.HasPrefix(exe, "node") {
		for _, arg := range cmdline[1:] {
			base := filepath.Base(arg)
			if i.names[base] && !strings.Contains(arg, "node_modules/.bin") {
				return true
			}
		}
	}
	return false
}
