package check

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/hostmon/pkg/service"
)

func (c *Checker) checkHost(ctx context.Context, s *service.Service, env Env) error {
	h := &s.Info.Host
	h.Resolved = s.Address
	h.Ports = h.Ports[:0]
	for _, r := range s.Rules {
		switch r := r.(type) {
		case *service.PortRule:
			rt, err := c.cfg.Prober.Port(ctx, s.Address, r.Port, r.Protocol, r.Timeout)
			ps := service.PortStatus{Rule: r.Key(), Port: r.Port, Protocol: r.Protocol, OK: err == nil, Response: rt}
			if err != nil {
				ps.Error = err.Error()
				c.events.PostRule(ctx, s, r, service.StateFailed, "failed to connect to %s:%d -- %v", s.Address, r.Port, err)
			} else {
				c.events.PostRule(ctx, s, r, service.StateSucceeded, "connection succeeded to %s:%d [response time %s]", s.Address, r.Port, rt)
			}
			h.Ports = append(h.Ports, ps)
		case *service.IcmpRule:
			rtt, err := c.cfg.Prober.Ping(ctx, s.Address, r.Count, r.Timeout)
			h.HasIcmp = true
			h.IcmpOK = err == nil
			h.IcmpRTT = rtt
			if err != nil {
				c.log.WithFields(logrus.Fields{"service": s.Name, "address": s.Address}).WithError(err).Debug("Ping failed")
				c.events.PostRule(ctx, s, r, service.StateFailed, "ping test failed for %s", s.Address)
			} else {
				c.events.PostRule(ctx, s, r, service.StateSucceeded, "ping test succeeded [response time %s]", rtt)
			}
		}
	}
	return nil
}
