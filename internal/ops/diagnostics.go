package ops

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"
)

// SystemStats contains overall system statistics
type SystemStats struct {
	Version   string
	Commit    string
	Uptime    time.Duration
	StartTime time.Time

	// Runtime stats
	GoVersion       string
	NumGoroutines   int
	MemAllocMB      float64
	MemTotalAllocMB float64
	MemSysMB        float64
	NumGC           uint32
}

// CacheStats contains identity store statistics
type CacheStats struct {
	Posts          int
	Accounts       int
	PostFetches    int64
	AccountFetches int64
}

// SourceStatus is the scheduling state of one polled source
type SourceStatus struct {
	Key       string
	LastFetch *time.Time
	InFlight  bool
	LastError *string
	Fetches   int64

	// LastPollID is the poll_id log field of the most recent fetch
	LastPollID string
}

// SyncStats contains poll engine statistics
type SyncStats struct {
	Sessions      int
	ActiveAccount string
	SeenIDs       int
	Batches       int64
	Delivered     int64
	Sources       []SourceStatus
}

// StatsProvider is implemented by the poll engine
type StatsProvider interface {
	CacheStats() CacheStats
	SyncStats() SyncStats
}

// DiagnosticsCollector collects system diagnostics
type DiagnosticsCollector struct {
	version   string
	commit    string
	startTime time.Time
	provider  StatsProvider
}

// NewDiagnosticsCollector creates a new diagnostics collector
func NewDiagnosticsCollector(version, commit string, provider StatsProvider) *DiagnosticsCollector {
	return &DiagnosticsCollector{
		version:   version,
		commit:    commit,
		startTime: time.Now(),
		provider:  provider,
	}
}

// CollectSystemStats collects system-level statistics
func (d *DiagnosticsCollector) CollectSystemStats() *SystemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return &SystemStats{
		Version:   d.version,
		Commit:    d.commit,
		Uptime:    time.Since(d.startTime),
		StartTime: d.startTime,

		GoVersion:       runtime.Version(),
		NumGoroutines:   runtime.NumGoroutine(),
		MemAllocMB:      float64(m.Alloc) / 1024 / 1024,
		MemTotalAllocMB: float64(m.TotalAlloc) / 1024 / 1024,
		MemSysMB:        float64(m.Sys) / 1024 / 1024,
		NumGC:           m.NumGC,
	}
}

// CollectAll collects all diagnostic information
func (d *DiagnosticsCollector) CollectAll() *Diagnostics {
	diag := &Diagnostics{
		CollectedAt: time.Now(),
		System:      d.CollectSystemStats(),
	}
	if d.provider != nil {
		cache := d.provider.CacheStats()
		diag.Cache = &cache
		sync := d.provider.SyncStats()
		sort.Slice(sync.Sources, func(i, j int) bool {
			return sync.Sources[i].Key < sync.Sources[j].Key
		})
		diag.Sync = &sync
	}
	return diag
}

// Diagnostics contains all diagnostic information
type Diagnostics struct {
	CollectedAt time.Time
	System      *SystemStats
	Cache       *CacheStats
	Sync        *SyncStats
}

// FormatAsText formats diagnostics as plain text
func (d *Diagnostics) FormatAsText() string {
	var out strings.Builder

	fmt.Fprintf(&out, "=== feedgraph Diagnostics ===\n")
	fmt.Fprintf(&out, "Collected: %s\n\n", d.CollectedAt.Format(time.RFC3339))

	fmt.Fprintf(&out, "--- System ---\n")
	fmt.Fprintf(&out, "Version: %s (%s)\n", d.System.Version, d.System.Commit)
	fmt.Fprintf(&out, "Uptime: %s\n", d.System.Uptime.Round(time.Second))
	fmt.Fprintf(&out, "Go Version: %s\n", d.System.GoVersion)
	fmt.Fprintf(&out, "Goroutines: %d\n", d.System.NumGoroutines)
	fmt.Fprintf(&out, "Memory: %.2f MB allocated, %.2f MB system\n", d.System.MemAllocMB, d.System.MemSysMB)
	fmt.Fprintf(&out, "GC Runs: %d\n\n", d.System.NumGC)

	if d.Cache != nil {
		fmt.Fprintf(&out, "--- Cache ---\n")
		fmt.Fprintf(&out, "Posts: %d (%d fetched)\n", d.Cache.Posts, d.Cache.PostFetches)
		fmt.Fprintf(&out, "Accounts: %d (%d fetched)\n\n", d.Cache.Accounts, d.Cache.AccountFetches)
	}

	if d.Sync != nil {
		fmt.Fprintf(&out, "--- Sync ---\n")
		fmt.Fprintf(&out, "Sessions: %d\n", d.Sync.Sessions)
		if d.Sync.ActiveAccount != "" {
			fmt.Fprintf(&out, "Active Account: %s\n", d.Sync.ActiveAccount)
		}
		fmt.Fprintf(&out, "Seen IDs: %d\n", d.Sync.SeenIDs)
		fmt.Fprintf(&out, "Batches: %d (%d posts delivered)\n", d.Sync.Batches, d.Sync.Delivered)

		if len(d.Sync.Sources) > 0 {
			fmt.Fprintf(&out, "\nSources:\n")
			for _, src := range d.Sync.Sources {
				state := "idle"
				if src.InFlight {
					state = "fetching"
				}
				fmt.Fprintf(&out, "  %s: %s, %d fetches\n", src.Key, state, src.Fetches)
				if src.LastFetch != nil {
					fmt.Fprintf(&out, "    Last Fetch: %s\n", src.LastFetch.Format(time.RFC3339))
				}
				if src.LastPollID != "" {
					fmt.Fprintf(&out, "    Last Poll: %s\n", src.LastPollID)
				}
				if src.LastError != nil {
					fmt.Fprintf(&out, "    Last Error: %s\n", *src.LastError)
				}
			}
		}
	}

	return out.String()
}
