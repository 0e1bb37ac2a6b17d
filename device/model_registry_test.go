package device_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgemesh/miiolink/codec"
	"github.com/edgemesh/miiolink/device"
)

type fanStub struct {
	*device.Info
}

func enrichedAs(t *testing.T, model string) *device.Info {
	t.Helper()
	withShortTimers(t)
	info, ft := newTestDevice(t)
	ft.respond = func(id int, method string) (json.RawMessage, *codec.DeviceError, bool) {
		return json.RawMessage(`{"model":"` + model + `"}`), nil, true
	}
	require.NoError(t, info.Enrich(context.Background()))
	return info
}

func TestModelRegistryBuildUsesRegisteredConstructor(t *testing.T) {
	info := enrichedAs(t, "acme.fan.v1")

	r := device.NewModelRegistry()
	r.Register("acme.fan.v1", func(info *device.Info) interface{} {
		return &fanStub{info}
	})

	built := r.Build(info)
	fan, ok := built.(*fanStub)
	require.True(t, ok)
	assert.Same(t, info, fan.Info)
}

func TestModelRegistryBuildFallsBackToGenericInfo(t *testing.T) {
	info := enrichedAs(t, "unregistered.model.v1")

	r := device.NewModelRegistry()
	r.Register("acme.fan.v1", func(info *device.Info) interface{} {
		return &fanStub{info}
	})

	built := r.Build(info)
	assert.Same(t, info, built)
}
