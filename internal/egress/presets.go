package egress

import "stagecast/internal/mediaroom"

// DefaultLayout is the composite layout used when a caller does not request
// one.
const DefaultLayout = "grid"

// Output tiers keyed by the publisher's reported connection quality. A
// constrained uplink gets a lighter restream so the composite does not
// starve the publisher's own connection.
var presets = map[string]JobOptions{
	mediaroom.QualityConstrained: {Bitrate: 1_200_000, Resolution: "854x480"},
	mediaroom.QualityStandard:    {Bitrate: 3_000_000, Resolution: "1280x720"},
	mediaroom.QualityHigh:        {Bitrate: 6_000_000, Resolution: "1920x1080"},
}

// PresetFor maps a publisher connection quality to fixed bitrate and
// resolution settings. Unknown qualities fall back to the standard tier.
func PresetFor(quality, layout string) JobOptions {
	preset, ok := presets[quality]
	if !ok {
		preset = presets[mediaroom.QualityStandard]
	}
	if layout == "" {
		layout = DefaultLayout
	}
	preset.Layout = layout
	return preset
}
