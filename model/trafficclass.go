package model

// TrafficClass is the coarse category a packet flow is assigned to for
// path-selection purposes. The set is closed and known at startup.
type TrafficClass int

const (
	ClassDefault TrafficClass = iota
	ClassVideo
	ClassBulkData
)

func (c TrafficClass) String() string {
	switch c {
	case ClassVideo:
		return "video"
	case ClassBulkData:
		return "bulk-data"
	default:
		return "default"
	}
}

// ParseTrafficClass maps a scenario-file class name to a TrafficClass.
// Unknown names map to ClassDefault with ok=false.
func ParseTrafficClass(s string) (TrafficClass, bool) {
	switch s {
	case "video":
		return ClassVideo, true
	case "bulk-data", "bulkdata", "data":
		return ClassBulkData, true
	case "default":
		return ClassDefault, true
	default:
		return ClassDefault, false
	}
}

// IfaceID names a logical egress path. Values are small integers assigned
// by the scenario; uniqueness is enforced by the owning topology.
type IfaceID int
