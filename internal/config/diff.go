package config

// Delta describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// (addresses, TLS, the signing secret) requires a restart.
type Delta struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RoomPolicyChanged means rooms created from now on pick up the new
	// timings. Rooms that already exist keep the policy they started with.
	RoomPolicyChanged bool
	NewRoomPolicy     RoomsConfig
}

// Empty reports whether the delta carries no applicable change.
func (d Delta) Empty() bool {
	return !d.LogLevelChanged && !d.RoomPolicyChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) Delta {
	d := Delta{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Rooms != new.Rooms {
		d.RoomPolicyChanged = true
		d.NewRoomPolicy = new.Rooms
	}

	return d
}
