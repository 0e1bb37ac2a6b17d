package commands

import (
	"context"
	"encoding/json"

	"github.com/edgemesh/miiolink/device"
)

// fanHandle adds a fan-class convenience verb (SetPower) over the generic
// Call/Handshake/Enrich surface. Building out a
// full per-model API is out of scope; this exists to give the model
// registry something real to construct.
type fanHandle struct {
	*device.Info
}

func (f *fanHandle) SetPower(ctx context.Context, on bool) (json.RawMessage, error) {
	state := "off"
	if on {
		state = "on"
	}
	return f.Call(ctx, "set_power", []interface{}{state}, device.CallOptions{})
}

// models is consulted once a device's reported model string is known
// (after Enrich), resolving to a model-specific handle or falling back to
// the generic *device.Info when nothing is registered for it.
var models = device.NewModelRegistry()

func init() {
	models.Register("generic.fan.v1", func(info *device.Info) interface{} {
		return &fanHandle{info}
	})
}
