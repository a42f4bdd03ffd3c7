//go:build !linux

package sampler

import "github.com/sirupsen/logrus"

func platformBackends() []constructor {
	return []constructor{
		func(_ Config, log *logrus.Logger) (Backend, error) { return NewGopsutil(log) },
	}
}
