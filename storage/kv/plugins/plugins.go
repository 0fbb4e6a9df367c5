// Package plugins is the registry of kv storage plugins
// compiled into grouse.
package plugins

import (
	"github.com/jrife/grouse/storage/kv"
)

var defaultManager = NewKVPluginManager()

// Plugin returns the plugin whose name matches the given name.
// It returns nil if no such plugin is found.
func Plugin(name string) kv.Plugin {
	return defaultManager.Plugin(name)
}

// Plugins lists all the plugins that are available
func Plugins() []kv.Plugin {
	return defaultManager.Plugins()
}

// Names lists the names of all available plugins
func Names() []string {
	return defaultManager.Names()
}
