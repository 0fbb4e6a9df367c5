package etcd_test

import (
	"errors"
	"testing"

	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/storage/kv/plugins/etcd"
)

func TestNewTempStoreUnavailable(t *testing.T) {
	t.Setenv(etcd.EndpointsEnv, "")

	if _, err := (&etcd.Plugin{}).NewTempStore(); !errors.Is(err, kv.ErrPluginUnavailable) {
		t.Fatalf("expected err to be %#v, got %#v", kv.ErrPluginUnavailable, err)
	}
}

func TestNewStoreOptions(t *testing.T) {
	testCases := map[string]struct {
		options kv.PluginOptions
	}{
		"missing-endpoints": {
			options: kv.PluginOptions{},
		},
		"empty-endpoints": {
			options: kv.PluginOptions{"endpoints": " , "},
		},
		"bad-endpoints": {
			options: kv.PluginOptions{"endpoints": 5},
		},
		"bad-prefix": {
			options: kv.PluginOptions{"endpoints": "localhost:2379", "prefix": 5},
		},
		"bad-timeout": {
			options: kv.PluginOptions{"endpoints": "localhost:2379", "dialTimeout": "soon"},
		},
		"bad-txn-ops": {
			options: kv.PluginOptions{"endpoints": "localhost:2379", "maxTxnOps": "many"},
		},
		"negative-txn-ops": {
			options: kv.PluginOptions{"endpoints": "localhost:2379", "maxTxnOps": -1},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			if _, err := (&etcd.Plugin{}).NewStore(testCase.options); err == nil {
				t.Fatalf("expected NewStore to fail")
			}
		})
	}
}
