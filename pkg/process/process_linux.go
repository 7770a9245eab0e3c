//go:build linux

package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apex/log"

	"github.com/appsworld/mtool/pkg/region"
)

func list() ([]Process, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	var procs []Process
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || !e.IsDir() {
			continue
		}
		comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
		if err != nil {
			// exited while listing
			continue
		}
		p := Process{PID: pid, Name: strings.TrimSpace(string(comm))}
		if exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid)); err == nil {
			p.Path = exe
		}
		procs = append(procs, p)
	}
	return procs, nil
}

// images reports the first mapping of every file mapped from offset 0.
func images(pid int) ([]Image, error) {
	maps, err := region.ReadMaps(pid)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var imgs []Image
	for _, m := range maps {
		if m.Offset != 0 || !filepath.IsAbs(m.PathName) || seen[m.PathName] {
			continue
		}
		seen[m.PathName] = true
		imgs = append(imgs, Image{Base: m.Start, Path: m.PathName})
	}
	log.WithField("pid", pid).Debugf("Found %d mapped images", len(imgs))
	return imgs, nil
}
