//go:build !linux

package rtp

func setSockOptPriority(fd int) {}

func setSockOptDSCP(fd, dscp int) {}
