//go:build !linux

package rdma

func pinThread(cpu int) error { return nil }
