//go:build ios

package dyld

import "github.com/appsworld/mtool/types"

var currentPlatform = types.PLATFORM_IOS
