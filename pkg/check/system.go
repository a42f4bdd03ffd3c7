package check

import (
	"context"
	"errors"
	"strings"

	"github.com/invisible-tech/hostmon/pkg/service"
)

func (c *Checker) checkSystem(ctx context.Context, s *service.Service, env Env) error {
	if env.System == nil || env.System.Collected.IsZero() {
		return errors.New("system usage not available")
	}
	s.Info.System = *env.System
	si := &s.Info.System
	for _, r := range s.Rules {
		switch r := r.(type) {
		case *service.ResourceRule:
			value, unit, ok := systemValue(si, r.Resource)
			if !ok {
				continue
			}
			c.compare(ctx, s, r, r.Operator, value, r.Limit, strings.ReplaceAll(r.Resource.String(), "_", " "), unit)
		case *service.UptimeRule:
			c.compare(ctx, s, r, r.Operator, si.Uptime.Seconds(), r.Limit.Seconds(), "uptime", "s")
		}
	}
	return nil
}

// systemValue returns the value of res. CPU values are unavailable until
// the second sample.
func systemValue(si *service.SystemInfo, res service.ResourceID) (float64, string, bool) {
	switch res {
	case service.ResourceLoad1:
		return si.Load[0], "", true
	case service.ResourceLoad5:
		return si.Load[1], "", true
	case service.ResourceLoad15:
		return si.Load[2], "", true
	case service.ResourceCPUUser:
		return si.CPUUser, "%", si.CPUUser >= 0
	case service.ResourceCPUSystem:
		return si.CPUSystem, "%", si.CPUSystem >= 0
	case service.ResourceCPUWait:
		return si.CPUWait, "%", si.CPUWait >= 0
	case service.ResourceCPUPercent, service.ResourceTotalCPUPercent:
		if si.CPUUser < 0 || si.CPUSystem < 0 {
			return 0, "%", false
		}
		return si.CPUUser + si.CPUSystem, "%", true
	case service.ResourceMemPercent, service.ResourceTotalMemPercent:
		return si.MemPercent, "%", true
	case service.ResourceMemBytes, service.ResourceTotalMemBytes:
		return float64(si.MemUsed), "B", true
	case service.ResourceSwapPercent:
		return si.SwapPercent, "%", si.SwapMax > 0
	case service.ResourceSwapBytes:
		return float64(si.SwapUsed), "B", true
	}
	return 0, "", false
}
