package tydom

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/nerrad567/tydom-bridge/internal/device"
)

// Host command names.
const (
	CmdOpen             = "open"
	CmdClose            = "close"
	CmdStop             = "stop"
	CmdSetPosition      = "set_position"
	CmdToggle           = "toggle"
	CmdTurnOn           = "turn_on"
	CmdTurnOff          = "turn_off"
	CmdSetLevel         = "set_level"
	CmdSetTemperature   = "set_temperature"
	CmdSetHVACMode      = "set_hvac_mode"
	CmdArm              = "arm"
	CmdDisarm           = "disarm"
	CmdSetAttribute     = "set_attribute"
	CmdRefresh          = "refresh"
	CmdActivateScenario = "activate_scenario"
)

// GatewayTarget addresses the gateway itself in a command's device id.
const GatewayTarget = "gateway"

// Sender writes requests to the gateway. *Session satisfies it.
type Sender interface {
	Send(ctx context.Context, method, path string, body []byte) error
	Bootstrap(ctx context.Context) error
}

// scenarioActivation is the body that triggers a scenario.
var scenarioActivation = []byte(`{"value":"ON"}`)

// ControllerConfig holds the command settings from the gateway config.
type ControllerConfig struct {
	GatewayMAC string
	AlarmPIN   string

	// Zones maps "home" and "night" to gateway zone ids.
	Zones map[string][]int
}

// Controller maps host commands onto device commands and sends them.
//
// Thread Safety: Execute is safe for concurrent use.
type Controller struct {
	sender   Sender
	registry *device.Registry
	catalog  *device.Catalog
	cfg      ControllerConfig
}

// NewController creates a command controller.
func NewController(sender Sender, registry *device.Registry, catalog *device.Catalog, cfg ControllerConfig) *Controller {
	cfg.GatewayMAC = NormalizeMAC(cfg.GatewayMAC)
	return &Controller{sender: sender, registry: registry, catalog: catalog, cfg: cfg}
}

// Execute runs one command and returns the gateway path it wrote.
func (c *Controller) Execute(ctx context.Context, cmd CommandMessage) (string, error) {
	if c.isGatewayTarget(cmd.DeviceID) {
		switch cmd.Command {
		case CmdRefresh:
			return "/refresh/all", c.sender.Bootstrap(ctx)
		case CmdActivateScenario:
			return c.activateScenario(ctx, cmd.Parameters)
		}
	}

	dev, ok := c.registry.Get(cmd.DeviceID)
	if !ok {
		return "", fmt.Errorf("%w: %s", device.ErrDeviceNotFound, cmd.DeviceID)
	}

	wire, err := c.build(dev, cmd)
	if err != nil {
		return "", err
	}
	if err := c.sender.Send(ctx, wire.Method, wire.Path, wire.Body); err != nil {
		return wire.Path, err
	}
	return wire.Path, nil
}

func (c *Controller) isGatewayTarget(id string) bool {
	if id == GatewayTarget {
		return true
	}
	return c.cfg.GatewayMAC != "" && NormalizeMAC(id) == c.cfg.GatewayMAC
}

// ActivateScenario triggers a scenario by id.
func (c *Controller) ActivateScenario(ctx context.Context, id string) (string, error) {
	return c.activateScenario(ctx, map[string]any{"scenario_id": id})
}

func (c *Controller) activateScenario(ctx context.Context, params map[string]any) (string, error) {
	raw, ok := params["scenario_id"]
	if !ok {
		return "", fmt.Errorf("%w: scenario_id is required", device.ErrInvalidParameter)
	}
	id := formatID(raw)
	if c.catalog != nil && len(c.catalog.Scenarios()) > 0 {
		if _, ok := c.catalog.Scenario(id); !ok {
			return "", fmt.Errorf("%w: scenario %s", device.ErrInvalidParameter, id)
		}
	}
	path := "/scenarios/" + id
	return path, c.sender.Send(ctx, http.MethodPut, path, scenarioActivation)
}

func (c *Controller) build(dev *device.Device, cmd CommandMessage) (device.Command, error) {
	p := cmd.Parameters

	switch cmd.Command {
	case CmdOpen:
		return device.Open(dev)
	case CmdClose:
		return device.Close(dev)
	case CmdStop:
		return device.Stop(dev)
	case CmdToggle:
		return device.Toggle(dev)
	case CmdTurnOn:
		return device.TurnOn(dev)
	case CmdTurnOff:
		return device.TurnOff(dev, c.catalog)
	case CmdSetPosition:
		pos, err := intParam(p, "position")
		if err != nil {
			return device.Command{}, err
		}
		return device.SetPosition(dev, pos)
	case CmdSetLevel:
		level, err := intParam(p, "level")
		if err != nil {
			return device.Command{}, err
		}
		return device.SetLevel(dev, level)
	case CmdSetTemperature:
		t, err := floatParam(p, "temperature")
		if err != nil {
			return device.Command{}, err
		}
		return device.SetTemperature(dev, t)
	case CmdSetHVACMode:
		mode, err := stringParam(p, "mode")
		if err != nil {
			return device.Command{}, err
		}
		return device.SetHVACMode(dev, mode)
	case CmdArm:
		mode, err := stringParam(p, "mode")
		if err != nil {
			return device.Command{}, err
		}
		return device.Arm(dev, device.AlarmMode(mode), c.pin(p), c.cfg.Zones[mode])
	case CmdDisarm:
		return device.Disarm(dev, c.pin(p))
	case CmdSetAttribute:
		name, err := stringParam(p, "name")
		if err != nil {
			return device.Command{}, err
		}
		value, ok := p["value"]
		if !ok {
			return device.Command{}, fmt.Errorf("%w: value is required", device.ErrInvalidParameter)
		}
		return device.SetAttribute(dev, name, value)
	default:
		return device.Command{}, fmt.Errorf("%w: %q", ErrUnsupportedCommand, cmd.Command)
	}
}

// pin returns the PIN given with the command, else the configured one.
func (c *Controller) pin(p map[string]any) string {
	if s, ok := p["pin"].(string); ok && s != "" {
		return s
	}
	return c.cfg.AlarmPIN
}

func intParam(p map[string]any, key string) (int, error) {
	f, err := floatParam(p, key)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

func floatParam(p map[string]any, key string) (float64, error) {
	switch v := p[key].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s %q is not a number", device.ErrInvalidParameter, key, v)
		}
		return f, nil
	case nil:
		return 0, fmt.Errorf("%w: %s is required", device.ErrInvalidParameter, key)
	default:
		return 0, fmt.Errorf("%w: %s has type %T", device.ErrInvalidParameter, key, v)
	}
}

func stringParam(p map[string]any, key string) (string, error) {
	s, ok := p[key].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %s is required", device.ErrInvalidParameter, key)
	}
	return s, nil
}

// ErrorCode maps a command error onto an acknowledgement error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		return ErrCodeDeviceNotFound
	case errors.Is(err, device.ErrUnsupportedCommand), errors.Is(err, ErrUnsupportedCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, device.ErrInvalidParameter), errors.Is(err, device.ErrUnknownZone):
		return ErrCodeInvalidParameters
	case errors.Is(err, device.ErrAlarmPINRequired):
		return ErrCodeNotConfigured
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		return ErrCodeTimeout
	case errors.Is(err, ErrCommunication), errors.Is(err, ErrNotConnected), errors.Is(err, ErrClosed):
		return ErrCodeGatewayError
	default:
		return ErrCodeBridgeError
	}
}
