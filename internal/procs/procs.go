// Package procs identifies the running process and probes whether other
// processes are still alive.
package procs

import (
	"os"
)

// Identity names one process on one host.
type Identity struct {
	Hostname string
	PID      int
}

// Current returns the identity of this process. The hostname falls back
// to "localhost" when the OS cannot report one.
func Current() Identity {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return Identity{Hostname: host, PID: os.Getpid()}
}

// Parent returns the identity of the process that launched this one,
// usually the agent's shell.
func Parent() Identity {
	id := Current()
	id.PID = os.Getppid()
	return id
}

// Prober reports whether pid is a live process on this host.
type Prober func(pid int) bool

// Alive is the platform prober. Permission errors count as alive so a
// session owned by another user is never reaped by mistake.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return alive(pid)
}
