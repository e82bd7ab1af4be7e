package plugin

// Factory creates and tears down instances of one plugin kind.
//
// Lifecycle methods:
//   - Setup: create an instance from its config section
//   - Destroy: release the instance (deregister, close clients, stop goroutines)
//   - Reload: apply a changed section in place; an error makes the manager recreate the instance
//   - CanDelete: report whether the instance may be torn down now
type Factory interface {
	// Type returns the plugin type (e.g., "registry")
	Type() Type

	// Name returns the factory name (e.g., "consul")
	Name() string

	Setup(v map[string]any) (Plugin, error)

	// Destroy releases the instance. The second parameter is reserved for a
	// shutdown deadline.
	Destroy(Plugin, any) error

	Reload(Plugin, map[string]any) error

	CanDelete(Plugin) bool
}

var (
	// _factoryMap is keyed by "<plugin_type>_<factory_name>" and guarded by
	// _pluginLock.
	_factoryMap = make(map[string]Factory)
)
