package avconv

import (
	"context"
	"strings"

	"github.com/asticode/go-astiav"
)

// HardwareDeviceTypeFromString resolves a hardware accelerator name
// (e.g. "vaapi", "videotoolbox", "cuda") from operator configuration
// into the astiav type encoderpool's platform-preference table keys
// off of, returning HardwareDeviceTypeNone for an unrecognized name.
func HardwareDeviceTypeFromString(
	ctx context.Context,
	s string,
) astiav.HardwareDeviceType {
	normalizeString := func(s string) string {
		return strings.ToLower(strings.Trim(s, " "))
	}
	s = normalizeString(s)
	for _, candidate := range []astiav.HardwareDeviceType{
		astiav.HardwareDeviceTypeCUDA,
		astiav.HardwareDeviceTypeD3D11VA,
		astiav.HardwareDeviceTypeDRM,
		astiav.HardwareDeviceTypeDXVA2,
		astiav.HardwareDeviceTypeMediaCodec,
		astiav.HardwareDeviceTypeOpenCL,
		astiav.HardwareDeviceTypeQSV,
		astiav.HardwareDeviceTypeVAAPI,
		astiav.HardwareDeviceTypeVDPAU,
		astiav.HardwareDeviceTypeVideoToolbox,
		astiav.HardwareDeviceTypeVulkan,
	} {
		if normalizeString(candidate.String()) == s {
			return candidate
		}
	}

	return astiav.HardwareDeviceTypeNone
}
