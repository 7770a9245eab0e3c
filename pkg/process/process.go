// Package process enumerates running processes and the images mapped into them.
package process

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// ErrUnsupported is returned on platforms without process introspection.
var ErrUnsupported = errors.New("process introspection is not supported on this platform")

// Process is a running process.
type Process struct {
	PID  int
	Name string
	Path string
}

func (p Process) String() string {
	if p.Path != "" {
		return fmt.Sprintf("%6d %s (%s)", p.PID, p.Name, p.Path)
	}
	return fmt.Sprintf("%6d %s", p.PID, p.Name)
}

// Image is an executable image loaded into a process.
type Image struct {
	Base uint64
	Path string
}

// List returns the running processes sorted by pid.
func List() ([]Process, error) {
	procs, err := list()
	if err != nil {
		return nil, err
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
	return procs, nil
}

// Find returns the process with the given pid.
func Find(pid int) (*Process, error) {
	procs, err := list()
	if err != nil {
		return nil, err
	}
	for _, p := range procs {
		if p.PID == pid {
			return &p, nil
		}
	}
	return nil, errors.Errorf("no process with pid %d", pid)
}

// Images returns the images loaded into process pid in load order.
func Images(pid int) ([]Image, error) {
	imgs, err := images(pid)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list images of pid %d", pid)
	}
	return imgs, nil
}
