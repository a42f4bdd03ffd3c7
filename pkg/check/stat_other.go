//go:build !linux && !darwin && !freebsd

package check

import "github.com/invisible-tech/hostmon/pkg/service"

// fillOwner is a no-op where the platform has no unix owner data
func fillOwner(string, *service.StatInfo) {}
