package enforcement

// Trigger names what caused a reconciliation. It is carried into logs,
// metrics and events.
type Trigger string

const (
	TriggerForeground      Trigger = "foreground"
	TriggerLimitChange     Trigger = "limit-change"
	TriggerSelectionChange Trigger = "selection-change"
	TriggerOverrideGrant   Trigger = "override-grant"
	TriggerOverrideExpiry  Trigger = "override-expiry"
	TriggerTick            Trigger = "tick"
	TriggerStoreChange     Trigger = "store-change"
	TriggerDayRollover     Trigger = "day-rollover"
	TriggerStartup         Trigger = "startup"
	TriggerAPI             Trigger = "api"
)
