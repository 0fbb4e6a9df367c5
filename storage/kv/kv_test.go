package kv_test

import (
	"testing"

	"github.com/jrife/grouse/storage/kv/kvtest"
	"github.com/jrife/grouse/storage/kv/plugins"
)

func TestDrivers(t *testing.T) {
	pluginManager := plugins.NewKVPluginManager()

	for _, plugin := range pluginManager.Plugins() {
		t.Run(plugin.Name(), driverTest(kvtest.Builder(plugin)))
	}
}

func driverTest(builder kvtest.TempStoreBuilder) func(t *testing.T) {
	return func(t *testing.T) {
		kvtest.TestDriver(t, builder)
	}
}
