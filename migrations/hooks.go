package migrations

import "github.com/pocketbase/pocketbase/tools/hook"

// MigrateEvent is passed to the before and after migrate hooks.
type MigrateEvent struct {
	hook.Event

	Name      string
	Direction Direction
	Track     Track
}

// OnBeforeMigrate returns the hook triggered before a migration step starts.
// A handler error aborts the step before its transaction begins.
func (m *Manager) OnBeforeMigrate() *hook.Hook[*MigrateEvent] {
	return m.onBeforeMigrate
}

// OnAfterMigrate returns the hook triggered once a step has been committed.
func (m *Manager) OnAfterMigrate() *hook.Hook[*MigrateEvent] {
	return m.onAfterMigrate
}
