package agent

import "fmt"

// RiskLevel classifies how much damage a tool can do.
type RiskLevel string

const (
	// RiskSafe tools execute immediately: searches, reads of agent state.
	RiskSafe RiskLevel = "safe"

	// RiskModerate tools execute with a warning log: file reads, schedule
	// mutations.
	RiskModerate RiskLevel = "moderate"

	// RiskDangerous tools require explicit approval before execution: shell
	// commands, file writes.
	RiskDangerous RiskLevel = "dangerous"
)

// ParseRiskLevel converts a config string to a RiskLevel.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch RiskLevel(s) {
	case RiskSafe, RiskModerate, RiskDangerous:
		return RiskLevel(s), nil
	default:
		return "", fmt.Errorf("unknown risk level: %q", s)
	}
}

// DefaultRiskLevels classifies the built-in tools. Tools absent from the map
// default to the configured fallback (moderate unless overridden).
var DefaultRiskLevels = map[string]RiskLevel{
	// Safe
	"web_search":            RiskSafe,
	"browse_webpage":        RiskSafe,
	"recall":                RiskSafe,
	"remember":              RiskSafe,
	"list_files":            RiskSafe,
	"search_files":          RiskSafe,
	"list_reminders":        RiskSafe,
	"list_allowed_commands": RiskSafe,
	"system_info":           RiskSafe,

	// Moderate
	"read_file":            RiskModerate,
	"set_reminder":         RiskModerate,
	"cancel_reminder":      RiskModerate,
	"add_cron_task":        RiskModerate,
	"setup_daily_briefing": RiskModerate,

	// Dangerous
	"run_command": RiskDangerous,
	"write_file":  RiskDangerous,
}
