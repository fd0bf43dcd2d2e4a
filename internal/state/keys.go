// Package state defines the shared key schema and typed access to it.
//
// Every key is "<field>.<resource hash>" and every value is a primitive
// string. Each field has exactly one writer role:
//
//	usage, usageDay, usageUpdatedAt   monitor (granter resets on grant)
//	limitReached                      monitor sets, granter clears
//	intervalStartedAt/EndedAt         monitor
//	limit, selected, seeded           main process
//	override, extensionGrantedAt,
//	overrideMinutes                   granter
//	restricted, reconciledAt          enforcement engine
package state

// Field names one per-resource value in the store.
type Field string

const (
	FieldUsage             Field = "usage"
	FieldUsageDay          Field = "usageDay"
	FieldUsageUpdatedAt    Field = "usageUpdatedAt"
	FieldLimitReached      Field = "limitReached"
	FieldIntervalStartedAt Field = "intervalStartedAt"
	FieldIntervalEndedAt   Field = "intervalEndedAt"
	FieldLimit             Field = "limit"
	FieldSelected          Field = "selected"
	FieldOverride          Field = "override"
	FieldGrantedAt         Field = "extensionGrantedAt"
	FieldOverrideMinutes   Field = "overrideMinutes"
	FieldRestricted        Field = "restricted"
	FieldReconciledAt      Field = "reconciledAt"
	FieldSeeded            Field = "seeded"
)

// Key returns the store key for field of resource.
func Key(field Field, resource string) string {
	return string(field) + "." + resource
}

// Prefix returns the key prefix shared by every resource's field.
func Prefix(field Field) string {
	return string(field) + "."
}
