package fleet

import "time"

// DefaultStaleThreshold is how long a device may stay silent and still be
// considered online.
const DefaultStaleThreshold = 20 * time.Second

// IsOnline reports whether a device that last reported at lastPing (epoch
// seconds) is online at now. Zero means never reported. The threshold is
// exclusive.
func IsOnline(lastPing float64, now time.Time, threshold time.Duration) bool {
	if lastPing <= 0 {
		return false
	}
	age := float64(now.UnixMilli()) - lastPing*1000
	return age < float64(threshold.Milliseconds())
}

// ComputeOnlineStatus classifies every device at now.
func ComputeOnlineStatus(devices map[string]Device, now time.Time, threshold time.Duration) map[string]bool {
	out := make(map[string]bool, len(devices))
	for mac, d := range devices {
		out[mac] = IsOnline(d.LastPingTime, now, threshold)
	}
	return out
}
