// Package sampler reads system and process statistics from the operating
// system. One backend is selected at start-up by probing what the host
// provides.
package sampler

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/hostmon/pkg/process"
	"github.com/invisible-tech/hostmon/pkg/service"
)

var sampleFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "hostmon_sampler_failures_total",
	Help: "Number of failed OS sampling calls",
}, []string{"backend", "source"})

func init() {
	prometheus.MustRegister(sampleFailures)
}

// Backend collects raw statistics. Counters are absolute and sizes are bytes.
type Backend interface {
	Name() string
	// Platform fills the static host description and capacities
	Platform(si *service.SystemInfo) error
	// SystemUsage fills load, memory and cpu usage. It returns false when the
	// sample is stale; the failure has been logged.
	SystemUsage(si *service.SystemInfo) bool
	// Processes enumerates all processes
	Processes() ([]process.Record, error)
}

// Config selects the sources read by the backends
type Config struct {
	// ProcRoot is the procfs mount point, "/proc" by default
	ProcRoot string
}

type constructor func(Config, *logrus.Logger) (Backend, error)

// Probe returns the first backend that works on this host
func Probe(cfg Config, log *logrus.Logger) (Backend, error) {
	var errs []error
	for _, newBackend := range platformBackends() {
		b, err := newBackend(cfg, log)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		log.WithField("backend", b.Name()).Info("Selected sampler backend")
		return b, nil
	}
	return nil, fmt.Errorf("no usable sampler backend: %w", errors.Join(errs...))
}

// cpuTimes are cumulative cpu seconds
type cpuTimes struct {
	user, nice, system, idle, iowait, irq, softirq, steal float64
}

func (c cpuTimes) total() float64 {
	return c.user + c.nice + c.system + c.idle + c.iowait + c.irq + c.softirq + c.steal
}

// cpuUsage turns two cumulative samples into user, system and wait
// percentages; -1 when there is no previous sample or no time passed
func cpuUsage(prev, cur cpuTimes, hasPrev bool) (user, system, wait float64) {
	if !hasPrev {
		return -1, -1, -1
	}
	total := cur.total() - prev.total()
	if total <= 0 {
		return -1, -1, -1
	}
	pct := func(d float64) float64 {
		v := 100 * d / total
		if v < 0 {
			return 0
		}
		return v
	}
	user = pct(cur.user + cur.nice - prev.user - prev.nice)
	system = pct(cur.system + cur.irq + cur.softirq - prev.system - prev.irq - prev.softirq)
	wait = pct(cur.iowait - prev.iowait)
	return user, system, wait
}

func percent(part, whole uint64) float64 {
	if whole == 0 {
		return 0
	}
	return 100 * float64(part) / float64(whole)
}
