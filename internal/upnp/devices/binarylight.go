// Package devices provides ready-made local UPnP devices.
//
// BinaryLight is the standard on/off light: a root device with one
// SwitchPower service. Target is what the last SetTarget asked for; Status
// is what the load reports and is the evented variable control points
// subscribe to.
package devices

import (
	"context"
	"fmt"

	"github.com/nerrad567/gray-logic-upnp/internal/upnp/model"
)

// Type and service identifiers of the BinaryLight device.
var (
	BinaryLightType = model.NewDeviceType("BinaryLight", 1)
	SwitchPowerType = model.NewServiceType("SwitchPower", 1)
	SwitchPowerID   = model.NewServiceID("SwitchPower")
)

// Switch drives the physical load. It returns the resulting on/off status,
// which may differ from the request. A nil Switch follows Target directly.
type Switch func(ctx context.Context, on bool) (bool, error)

// NewBinaryLight builds a BinaryLight. The UDN is derived from name so the
// device keeps its identity across restarts.
func NewBinaryLight(name string, details model.DeviceDetails, sw Switch) (*model.Device, error) {
	if details.FriendlyName == "" {
		details.FriendlyName = name
	}
	if details.Manufacturer == "" {
		details.Manufacturer = "Gray Logic"
	}
	if details.ModelName == "" {
		details.ModelName = "upnpd BinaryLight"
	}
	return model.NewLocalDevice(
		model.UDNFromName("binarylight:"+name),
		BinaryLightType,
		details,
		[]*model.Service{newSwitchPower(sw)},
	)
}

func newSwitchPower(sw Switch) *model.Service {
	svc := model.NewService(SwitchPowerType, SwitchPowerID,
		[]*model.Action{
			model.NewAction("SetTarget", model.InArg("newTargetValue", "Target")),
			model.NewAction("GetTarget", model.OutArg("RetTargetValue", "Target")),
			model.NewAction("GetStatus", model.OutArg("ResultStatus", "Status")),
		},
		[]*model.StateVariable{
			model.NewStateVariable("Target", "boolean", false).WithDefault("0"),
			model.NewStateVariable("Status", "boolean", true).WithDefault("0"),
		},
	)

	svc.Bind("SetTarget", model.ActionExecutorFunc(func(ctx context.Context, inv *model.ActionInvocation) error {
		v, _ := inv.Input("newTargetValue")
		target, _ := v.(bool)
		status := target
		if sw != nil {
			var err error
			if status, err = sw(ctx, target); err != nil {
				return model.NewActionError(model.ErrorActionFailed, fmt.Sprintf("switching load: %v", err))
			}
		}
		return inv.Service.State().SetMany(map[string]any{"Target": target, "Status": status})
	}))
	svc.Bind("GetTarget", model.ActionExecutorFunc(func(_ context.Context, inv *model.ActionInvocation) error {
		v, _ := inv.Service.State().Get("Target")
		return inv.SetOutput("RetTargetValue", v)
	}))
	svc.Bind("GetStatus", model.ActionExecutorFunc(func(_ context.Context, inv *model.ActionInvocation) error {
		v, _ := inv.Service.State().Get("Status")
		return inv.SetOutput("ResultStatus", v)
	}))
	return svc
}

// SetStatus records a status change reported by the load itself, for
// example a wall switch. Subscribers receive an event.
func SetStatus(light *model.Device, on bool) error {
	svc := light.Service(SwitchPowerID)
	if svc == nil || svc.State() == nil {
		return fmt.Errorf("%w: %s has no local SwitchPower service", model.ErrInvalidDevice, light.Identity.UDN)
	}
	return svc.State().Set("Status", on)
}
