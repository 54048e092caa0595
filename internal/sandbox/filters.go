package sandbox

import "github.com/docker/docker/api/types/filters"

// filtersArgsStopped selects exited containers for ContainersPrune, so Idle
// only reclaims finished runs and never touches anything still executing.
func filtersArgsStopped() filters.Args {
	return filters.NewArgs(filters.Arg("status", "exited"))
}
