//go:build !darwin

package dyld

import "github.com/appsworld/mtool/types"

// no dyld shared region on this host, so nothing to compare against
var currentPlatform = types.PLATFORM_UNKNOWN
