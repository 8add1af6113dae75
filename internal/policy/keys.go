package policy

// Setting keys understood by the managed device. Keys must match the server
// registry exactly; anything else is reported as invalid on write.
const (
	KeyTrackingEnabled       = "tracking_enabled"
	KeyTrackingInterval      = "tracking_interval_minutes"
	KeySecretMode            = "secret_mode_enabled"
	KeyGeofenceNotifications = "geofence_notifications_enabled"
	KeyBatteryOptimization   = "battery_optimization_enabled"
	KeyNotificationSounds    = "notification_sounds_enabled"
	KeySOSEnabled            = "sos_enabled"
	KeyMovementDetection     = "movement_detection_enabled"
)

// DefaultSettings holds the factory value for every known key.
var DefaultSettings = map[string]any{
	KeyTrackingEnabled:       true,
	KeyTrackingInterval:      5,
	KeySecretMode:            false,
	KeyGeofenceNotifications: true,
	KeyBatteryOptimization:   true,
	KeyNotificationSounds:    true,
	KeySOSEnabled:            true,
	KeyMovementDetection:     true,
}

// KnownKey reports whether the key is part of the setting registry.
func KnownKey(key string) bool {
	_, ok := DefaultSettings[key]
	return ok
}
