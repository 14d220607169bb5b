package monitor

import (
	"strings"

	"stagecast/internal/mediaroom"
)

// DistributionIdentityPrefix marks the distribution service's participant in
// a room's member listing. The service joins as "egress-<jobID>".
const DistributionIdentityPrefix = "egress-"

// SnapshotFromDebug projects a room debug view onto the monitor's snapshot.
func SnapshotFromDebug(info mediaroom.DebugInfo) Snapshot {
	snapshot := Snapshot{
		PublisherHasVideo: info.PublisherHasVideo,
		PublisherHasAudio: info.PublisherHasAudio,
	}
	for _, participant := range info.Participants {
		if strings.HasPrefix(participant.Identity, DistributionIdentityPrefix) {
			snapshot.DistributionAttached = true
			break
		}
	}
	return snapshot
}
