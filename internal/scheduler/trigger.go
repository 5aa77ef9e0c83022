package scheduler

// Trigger is a cron-scheduled action. A trigger with a tool calls it; one
// without refreshes every enabled server's manifest.
type Trigger struct {
	Name     string         // unique trigger name (e.g. "nightly-probe")
	Schedule string         // cron expression or descriptor such as "@every 5m"
	ServerID string         // server for tool triggers
	Tool     string         // tool name; empty means probe
	Args     map[string]any // tool arguments
}

// IsToolTrigger reports whether the trigger calls a tool.
func (t Trigger) IsToolTrigger() bool {
	return t.Tool != ""
}
