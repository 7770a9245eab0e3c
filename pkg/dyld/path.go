package dyld

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/appsworld/mtool/types"
)

// cache folders, newest first
var cacheFolders = []string{
	"/System/Volumes/Preboot/Cryptexes/OS/System/Library/dyld/",
	"/System/Cryptexes/OS/System/Library/dyld/",
	"/System/Library/dyld/",
	"/System/Library/Caches/com.apple.dyld/",
}

// CurrentCachePath returns the shared cache of the running system.
func CurrentCachePath() (string, error) {
	cpu, sub, err := types.CurrentMachine()
	if err != nil {
		return "", err
	}
	return findCache(cacheFolders, cacheArchs(cpu, sub))
}

func cacheArchs(cpu types.CPU, sub types.CPUSubtype) []string {
	arch := types.ArchName(cpu, sub)
	if cpu == types.CPUArm64 && arch != "arm64e" {
		// arm64 hosts that run arm64e userland ship an arm64e cache
		return []string{"arm64e", arch}
	}
	return []string{arch}
}

func findCache(folders, archs []string) (string, error) {
	for _, dir := range folders {
		for _, arch := range archs {
			p := filepath.Join(dir, "dyld_shared_cache_"+arch)
			if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
				return p, nil
			}
		}
	}
	return "", errors.Wrapf(os.ErrNotExist, "no dyld_shared_cache for %v", archs)
}
