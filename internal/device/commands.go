package device

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// Command is one wire request to send to the gateway.
type Command struct {
	Method string
	Path   string
	Body   []byte
}

// Control attribute names and values understood by the gateway.
const (
	AttrPosition    = "position"
	AttrPositionCmd = "positionCmd"
	AttrLevel       = "level"
	AttrLevelCmd    = "levelCmd"
	AttrSetpoint    = "setpoint"
	AttrHVACMode    = "hvacMode"

	cmdOn     = "ON"
	cmdOff    = "OFF"
	cmdStop   = "STOP"
	cmdToggle = "TOGGLE"
)

// HVAC modes accepted by SetHVACMode.
const (
	HVACModeHeat      = "heat"
	HVACModeOff       = "off"
	HVACModeAntiFrost = "antifrost"
)

var hvacModes = map[string]string{
	HVACModeHeat:      "NORMAL",
	HVACModeOff:       "STOP",
	HVACModeAntiFrost: "ANTI_FROST",
}

// AlarmMode selects which alarm command arms the system.
type AlarmMode string

// Alarm arm modes.
const (
	AlarmAway  AlarmMode = "away"
	AlarmHome  AlarmMode = "home"
	AlarmNight AlarmMode = "night"
)

type dataWrite struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

type alarmWrite struct {
	Value string `json:"value"`
	PWD   string `json:"pwd"`
	Zones []int  `json:"zones,omitempty"`
}

// DataPath is the write path of one endpoint's attributes.
func DataPath(deviceID, endpointID string) string {
	return fmt.Sprintf("/devices/%s/endpoints/%s/data", deviceID, endpointID)
}

// CdataPath is the path of one named cdata request, with extra query
// parameters appended in the order given.
func CdataPath(deviceID, endpointID, name string, params ...string) string {
	q := "name=" + url.QueryEscape(name)
	for i := 0; i+1 < len(params); i += 2 {
		q += "&" + url.QueryEscape(params[i]) + "=" + url.QueryEscape(params[i+1])
	}
	return fmt.Sprintf("/devices/%s/endpoints/%s/cdata?%s", deviceID, endpointID, q)
}

// SetAttribute writes one raw attribute on any kind.
func SetAttribute(dev *Device, name string, value any) (Command, error) {
	if name == "" {
		return Command{}, fmt.Errorf("%w: attribute name is required", ErrInvalidParameter)
	}
	body, err := json.Marshal([]dataWrite{{Name: name, Value: value}})
	if err != nil {
		return Command{}, fmt.Errorf("%w: encoding %s: %w", ErrInvalidParameter, name, err)
	}
	return Command{Method: "PUT", Path: DataPath(dev.DeviceID(), dev.EndpointID()), Body: body}, nil
}

func requireKind(dev *Device, command string, kinds ...Kind) error {
	for _, k := range kinds {
		if dev.Kind() == k {
			return nil
		}
	}
	return fmt.Errorf("%w: %s on %s", ErrUnsupportedCommand, command, dev.Kind())
}

// Open opens a shutter fully, or opens a gate or garage door.
func Open(dev *Device) (Command, error) {
	if err := requireKind(dev, "open", KindShutter, KindGate, KindGarage); err != nil {
		return Command{}, err
	}
	if dev.Kind() == KindShutter {
		return SetAttribute(dev, AttrPosition, 100)
	}
	return SetAttribute(dev, AttrLevelCmd, cmdOn)
}

// Close closes a shutter fully, or closes a gate or garage door.
func Close(dev *Device) (Command, error) {
	if err := requireKind(dev, "close", KindShutter, KindGate, KindGarage); err != nil {
		return Command{}, err
	}
	if dev.Kind() == KindShutter {
		return SetAttribute(dev, AttrPosition, 0)
	}
	return SetAttribute(dev, AttrLevelCmd, cmdOff)
}

// Stop halts a moving shutter.
func Stop(dev *Device) (Command, error) {
	if err := requireKind(dev, "stop", KindShutter); err != nil {
		return Command{}, err
	}
	return SetAttribute(dev, AttrPositionCmd, cmdStop)
}

// SetPosition moves a shutter to a position between 0 and 100.
func SetPosition(dev *Device, position int) (Command, error) {
	if err := requireKind(dev, "set_position", KindShutter); err != nil {
		return Command{}, err
	}
	if position < 0 || position > 100 {
		return Command{}, fmt.Errorf("%w: position %d out of range 0-100", ErrInvalidParameter, position)
	}
	return SetAttribute(dev, AttrPosition, position)
}

// Toggle pulses a gate or garage door.
func Toggle(dev *Device) (Command, error) {
	if err := requireKind(dev, "toggle", KindGate, KindGarage); err != nil {
		return Command{}, err
	}
	return SetAttribute(dev, AttrLevelCmd, cmdToggle)
}

// TurnOn switches a light to full level.
func TurnOn(dev *Device) (Command, error) {
	if err := requireKind(dev, "turn_on", KindLight); err != nil {
		return Command{}, err
	}
	return SetAttribute(dev, AttrLevel, 100)
}

// TurnOff switches a light off. It sends levelCmd=OFF when the light's
// metadata declares that value and level=0 otherwise.
func TurnOff(dev *Device, cat *Catalog) (Command, error) {
	if err := requireKind(dev, "turn_off", KindLight); err != nil {
		return Command{}, err
	}
	if cat != nil && cat.HasEnumValue(dev.UniqueID(), AttrLevelCmd, cmdOff) {
		return SetAttribute(dev, AttrLevelCmd, cmdOff)
	}
	return SetAttribute(dev, AttrLevel, 0)
}

// SetLevel dims a light to a level between 0 and 100.
func SetLevel(dev *Device, level int) (Command, error) {
	if err := requireKind(dev, "set_level", KindLight); err != nil {
		return Command{}, err
	}
	if level < 0 || level > 100 {
		return Command{}, fmt.Errorf("%w: level %d out of range 0-100", ErrInvalidParameter, level)
	}
	return SetAttribute(dev, AttrLevel, level)
}

// SetTemperature changes a boiler setpoint.
func SetTemperature(dev *Device, celsius float64) (Command, error) {
	if err := requireKind(dev, "set_temperature", KindBoiler); err != nil {
		return Command{}, err
	}
	if celsius < 5 || celsius > 35 {
		return Command{}, fmt.Errorf("%w: setpoint %.1f out of range 5-35", ErrInvalidParameter, celsius)
	}
	return SetAttribute(dev, AttrSetpoint, celsius)
}

// SetHVACMode changes a boiler mode (heat, off or antifrost).
func SetHVACMode(dev *Device, mode string) (Command, error) {
	if err := requireKind(dev, "set_hvac_mode", KindBoiler); err != nil {
		return Command{}, err
	}
	wire, ok := hvacModes[mode]
	if !ok {
		return Command{}, fmt.Errorf("%w: hvac mode %q", ErrInvalidParameter, mode)
	}
	return SetAttribute(dev, AttrHVACMode, wire)
}

// Arm arms the alarm. Away arms the whole system; home and night arm the
// given zones.
func Arm(dev *Device, mode AlarmMode, pin string, zones []int) (Command, error) {
	if err := requireKind(dev, "arm", KindAlarm); err != nil {
		return Command{}, err
	}
	if pin == "" {
		return Command{}, ErrAlarmPINRequired
	}
	switch mode {
	case AlarmAway:
		return alarmCommand(dev, "alarmCmd", alarmWrite{Value: cmdOn, PWD: pin})
	case AlarmHome, AlarmNight:
		if len(zones) == 0 {
			return Command{}, fmt.Errorf("%w: %s", ErrUnknownZone, mode)
		}
		return alarmCommand(dev, "zoneCmd", alarmWrite{Value: cmdOn, PWD: pin, Zones: zones})
	default:
		return Command{}, fmt.Errorf("%w: alarm mode %q", ErrInvalidParameter, mode)
	}
}

// Disarm disarms the alarm.
func Disarm(dev *Device, pin string) (Command, error) {
	if err := requireKind(dev, "disarm", KindAlarm); err != nil {
		return Command{}, err
	}
	if pin == "" {
		return Command{}, ErrAlarmPINRequired
	}
	return alarmCommand(dev, "alarmCmd", alarmWrite{Value: cmdOff, PWD: pin})
}

func alarmCommand(dev *Device, name string, w alarmWrite) (Command, error) {
	body, err := json.Marshal(w)
	if err != nil {
		return Command{}, fmt.Errorf("%w: encoding %s: %w", ErrInvalidParameter, name, err)
	}
	return Command{Method: "PUT", Path: CdataPath(dev.DeviceID(), dev.EndpointID(), name), Body: body}, nil
}
