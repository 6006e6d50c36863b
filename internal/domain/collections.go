package domain

// Names of the record collections held by the store.
const (
	Health   = "health"
	Events   = "events"
	Finance  = "finance"
	Schedule = "schedule"
	Notes    = "notes"
	Settings = "settings"
	Projects = "projects"
	Tasks    = "tasks"
	Inbox    = "inbox"
)

// Record field conventions shared by every keyed collection.
const (
	FieldID        = "id"
	FieldDate      = "date"
	FieldCreatedAt = "createdAt"

	// Completion flags checked by the daily sweep.
	FieldDone      = "done"
	FieldProcessed = "processed"

	// Settings records are {key, value} pairs keyed by FieldKey.
	FieldKey   = "key"
	FieldValue = "value"
)

// Collections lists every collection in declaration order.
var Collections = []string{Health, Events, Finance, Schedule, Notes, Settings, Projects, Tasks, Inbox}
