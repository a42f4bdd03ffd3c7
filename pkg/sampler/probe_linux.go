//go:build linux

package sampler

import "github.com/sirupsen/logrus"

func platformBackends() []constructor {
	return []constructor{
		func(cfg Config, log *logrus.Logger) (Backend, error) { return NewProcfs(cfg, log) },
		func(cfg Config, log *logrus.Logger) (Backend, error) { return NewGopsutil(log) },
	}
}
