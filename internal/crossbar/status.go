package crossbar

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	log "github.com/sirupsen/logrus"
)

var startedAt = time.Now()

// Status represents the state of the server process
type Status struct {
	Uptime     string  `json:"uptime"`
	Watchers   int     `json:"watchers"`
	Clients    int     `json:"clients"`
	Goroutines int     `json:"goroutines"`
	RSS        uint64  `json:"rss"`
	CPUPercent float64 `json:"cpuPercent"`
	Threads    int32   `json:"threads"`
}

func newStatus(ctx context.Context, hub *Hub, config Config) *Status {

	s := &Status{
		Uptime:     time.Since(startedAt).Round(time.Second).String(),
		Clients:    hub.Len(),
		Goroutines: runtime.NumGoroutine(),
	}

	if config.Registry != nil {
		s.Watchers = config.Registry.Len()
	}

	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		log.WithField("error", err).Debug("process status unavailable")
		return s
	}

	if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
		s.RSS = mi.RSS
	}

	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		s.CPUPercent = cpu
	}

	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		s.Threads = n
	}

	return s
}
