//go:build darwin && !ios

package dyld

import "github.com/appsworld/mtool/types"

var currentPlatform = types.PLATFORM_MACOS
