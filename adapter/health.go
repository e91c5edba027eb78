// Package adapter provides adapters for shmchan integration with external systems.
package adapter

import (
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"

	"github.com/srediag/shmchan/api"
)

const livenessTimeout = time.Second

// NewHealthHandler serves /live and /ready. Each named process is a liveness
// check that fails once the process has exited.
func NewHealthHandler(procs map[string]api.Health) healthcheck.Handler {
	h := healthcheck.NewHandler()
	for name, p := range procs {
		name, p := name, p
		h.AddLivenessCheck(name, healthcheck.Timeout(func() error {
			alive, err := p.Alive()
			if err != nil {
				return err
			}
			if !alive {
				return fmt.Errorf("%s has exited", name)
			}
			return nil
		}, livenessTimeout))
	}
	return h
}
