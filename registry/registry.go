// Package registry records which servers expose which functions.
//
// A server registers one ServiceInstance per function definition it serves;
// clients discover instances by definition and watch for changes.
package registry

import (
	"context"
	"errors"
)

var ErrNoInstances = errors.New("registry: no instances")

type ServiceInstance struct {
	Addr    string
	Weight  int // Weight for load balancing
	Version string
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx ends.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
