package attendance

import "time"

// AnalyzerConfig tunes the behavior-flag heuristics.
type AnalyzerConfig struct {
	// DisconnectCount is the number of connection_lost issues that marks a
	// record as frequently disconnecting.
	DisconnectCount int
	// InactivityGap is the silent stretch between consecutive events that
	// marks long inactivity.
	InactivityGap time.Duration
	// ChurnCount is the number of join/leave cycles that looks suspicious.
	ChurnCount int
}

// DefaultAnalyzerConfig matches the production thresholds.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		DisconnectCount: 3,
		InactivityGap:   15 * time.Minute,
		ChurnCount:      5,
	}
}

// DeriveFlags recomputes a record's behavior flags from its event and issue
// logs. Flags already raised on the record are preserved (the tracker sets
// suspicious_activity directly on clock skew).
func DeriveFlags(rec Record, events []Event, issues []Issue, cfg AnalyzerConfig) Flags {
	if cfg.DisconnectCount <= 0 {
		cfg.DisconnectCount = 3
	}
	if cfg.InactivityGap <= 0 {
		cfg.InactivityGap = 15 * time.Minute
	}
	if cfg.ChurnCount <= 0 {
		cfg.ChurnCount = 5
	}

	flags := rec.Flags

	disconnects := 0
	for _, is := range issues {
		if is.Type == IssueConnectionLost {
			disconnects++
		}
	}
	if disconnects >= cfg.DisconnectCount {
		flags.FrequentDisconnections = true
	}

	devices := map[string]bool{}
	joins := 0
	for _, ev := range events {
		if ev.Type != EventJoin {
			continue
		}
		joins++
		if id := ev.Metadata["device_id"]; id != "" {
			devices[id] = true
		}
	}
	if len(devices) > 1 {
		flags.MultipleDeviceLogins = true
	}
	if joins >= cfg.ChurnCount {
		flags.SuspiciousActivity = true
	}

	for i := 1; i < len(events); i++ {
		if events[i].At.Sub(events[i-1].At) >= cfg.InactivityGap {
			flags.LongInactivity = true
			break
		}
	}

	return flags
}
