package plugin

import "errors"

var (
	// ErrAlreadyInstalling is returned by Install/Upgrade, and by Load,
	// when the plugin id is already mid-install in this process. An
	// install running in another process is detected by the flock inside
	// the background install, which then marks its OIP failed instead.
	ErrAlreadyInstalling = errors.New("plugin: already installing")

	// ErrPluginLoaded is returned by Uninstall when the target plugin is
	// still loaded; callers must Unload first.
	ErrPluginLoaded = errors.New("plugin: still loaded, unload first")

	// ErrAlreadyLoaded is returned by Load when the plugin id is already
	// loaded.
	ErrAlreadyLoaded = errors.New("plugin: already loaded")

	// ErrIncompatibleIfaceVersion is returned by Load when the plugin's
	// declared compat window excludes the runtime's interface version.
	ErrIncompatibleIfaceVersion = errors.New("plugin: incompatible interface version")

	// ErrNotInstallable is returned by Install when the id is not present
	// in the last-fetched installable index.
	ErrNotInstallable = errors.New("plugin: not in installable index")
)
