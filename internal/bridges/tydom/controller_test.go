package tydom

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/nerrad567/tydom-bridge/internal/device"
)

type sentRequest struct {
	Method string
	Path   string
	Body   string
}

// fakeSender records requests instead of writing them to a gateway.
type fakeSender struct {
	mu         sync.Mutex
	sent       []sentRequest
	bootstraps int
	err        error
}

func (f *fakeSender) Send(_ context.Context, method, path string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentRequest{Method: method, Path: path, Body: string(body)})
	return nil
}

func (f *fakeSender) Bootstrap(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bootstraps++
	return f.err
}

func (f *fakeSender) last() sentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentRequest{}
	}
	return f.sent[len(f.sent)-1]
}

func newControllerFixture(t *testing.T) (*Controller, *fakeSender, *device.Catalog) {
	t.Helper()

	reg := device.NewRegistry()
	reg.Apply([]device.Delta{
		{UniqueID: "1_100", DeviceID: "100", EndpointID: "1", Kind: device.KindShutter, Attributes: device.Attributes{"position": 50.0}},
		{UniqueID: "2_200", DeviceID: "200", EndpointID: "2", Kind: device.KindLight, Attributes: device.Attributes{"level": 0.0}},
		{UniqueID: "3_300", DeviceID: "300", EndpointID: "3", Kind: device.KindBoiler, Attributes: device.Attributes{"setpoint": 19.0}},
		{UniqueID: "4_400", DeviceID: "400", EndpointID: "4", Kind: device.KindAlarm, Attributes: device.Attributes{"alarmState": "OFF"}},
		{UniqueID: "5_500", DeviceID: "500", EndpointID: "5", Kind: device.KindWindow, Attributes: device.Attributes{"openState": "LOCKED"}},
	})

	cat := device.NewCatalog()
	sender := &fakeSender{}
	c := NewController(sender, reg, cat, ControllerConfig{
		GatewayMAC: "00:1a:25:12:34:56",
		AlarmPIN:   "1234",
		Zones:      map[string][]int{"home": {1, 2}, "night": {3}},
	})
	return c, sender, cat
}

func TestController_Execute(t *testing.T) {
	tests := []struct {
		name     string
		cmd      CommandMessage
		wantPath string
		wantBody string
	}{
		{
			name:     "open shutter",
			cmd:      CommandMessage{DeviceID: "1_100", Command: CmdOpen},
			wantPath: "/devices/100/endpoints/1/data",
			wantBody: `[{"name":"position","value":100}]`,
		},
		{
			name:     "stop shutter",
			cmd:      CommandMessage{DeviceID: "1_100", Command: CmdStop},
			wantPath: "/devices/100/endpoints/1/data",
			wantBody: `[{"name":"positionCmd","value":"STOP"}]`,
		},
		{
			name:     "set position from string",
			cmd:      CommandMessage{DeviceID: "1_100", Command: CmdSetPosition, Parameters: map[string]any{"position": "30"}},
			wantPath: "/devices/100/endpoints/1/data",
			wantBody: `[{"name":"position","value":30}]`,
		},
		{
			name:     "dim light",
			cmd:      CommandMessage{DeviceID: "2_200", Command: CmdSetLevel, Parameters: map[string]any{"level": 40.0}},
			wantPath: "/devices/200/endpoints/2/data",
			wantBody: `[{"name":"level","value":40}]`,
		},
		{
			name:     "turn off light without levelCmd metadata",
			cmd:      CommandMessage{DeviceID: "2_200", Command: CmdTurnOff},
			wantPath: "/devices/200/endpoints/2/data",
			wantBody: `[{"name":"level","value":0}]`,
		},
		{
			name:     "boiler setpoint",
			cmd:      CommandMessage{DeviceID: "3_300", Command: CmdSetTemperature, Parameters: map[string]any{"temperature": 21.5}},
			wantPath: "/devices/300/endpoints/3/data",
			wantBody: `[{"name":"setpoint","value":21.5}]`,
		},
		{
			name:     "boiler mode",
			cmd:      CommandMessage{DeviceID: "3_300", Command: CmdSetHVACMode, Parameters: map[string]any{"mode": "antifrost"}},
			wantPath: "/devices/300/endpoints/3/data",
			wantBody: `[{"name":"hvacMode","value":"ANTI_FROST"}]`,
		},
		{
			name:     "arm away with configured pin",
			cmd:      CommandMessage{DeviceID: "4_400", Command: CmdArm, Parameters: map[string]any{"mode": "away"}},
			wantPath: "/devices/400/endpoints/4/cdata?name=alarmCmd",
			wantBody: `{"value":"ON","pwd":"1234"}`,
		},
		{
			name:     "arm night with zones and given pin",
			cmd:      CommandMessage{DeviceID: "4_400", Command: CmdArm, Parameters: map[string]any{"mode": "night", "pin": "9999"}},
			wantPath: "/devices/400/endpoints/4/cdata?name=zoneCmd",
			wantBody: `{"value":"ON","pwd":"9999","zones":[3]}`,
		},
		{
			name:     "disarm",
			cmd:      CommandMessage{DeviceID: "4_400", Command: CmdDisarm},
			wantPath: "/devices/400/endpoints/4/cdata?name=alarmCmd",
			wantBody: `{"value":"OFF","pwd":"1234"}`,
		},
		{
			name:     "raw attribute on read-only kind",
			cmd:      CommandMessage{DeviceID: "5_500", Command: CmdSetAttribute, Parameters: map[string]any{"name": "foo", "value": true}},
			wantPath: "/devices/500/endpoints/5/data",
			wantBody: `[{"name":"foo","value":true}]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, sender, _ := newControllerFixture(t)

			path, err := c.Execute(context.Background(), tt.cmd)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if path != tt.wantPath {
				t.Errorf("Execute() path = %q, want %q", path, tt.wantPath)
			}
			got := sender.last()
			if got.Method != "PUT" || got.Path != tt.wantPath || got.Body != tt.wantBody {
				t.Errorf("sent %+v, want PUT %s %s", got, tt.wantPath, tt.wantBody)
			}
		})
	}
}

func TestController_TurnOffUsesLevelCmdWhenDeclared(t *testing.T) {
	c, sender, cat := newControllerFixture(t)
	cat.SetMetadata("2_200", map[string]device.Constraint{
		"levelCmd": {"enum_values": []any{"ON", "OFF", "TOGGLE"}},
	})

	if _, err := c.Execute(context.Background(), CommandMessage{DeviceID: "2_200", Command: CmdTurnOff}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := sender.last().Body; got != `[{"name":"levelCmd","value":"OFF"}]` {
		t.Errorf("body = %s", got)
	}
}

func TestController_ExecuteErrors(t *testing.T) {
	tests := []struct {
		name     string
		cmd      CommandMessage
		wantErr  error
		wantCode string
	}{
		{"unknown device", CommandMessage{DeviceID: "9_999", Command: CmdOpen}, device.ErrDeviceNotFound, ErrCodeDeviceNotFound},
		{"unknown command", CommandMessage{DeviceID: "1_100", Command: "fly"}, ErrUnsupportedCommand, ErrCodeInvalidCommand},
		{"wrong kind", CommandMessage{DeviceID: "5_500", Command: CmdOpen}, device.ErrUnsupportedCommand, ErrCodeInvalidCommand},
		{"missing position", CommandMessage{DeviceID: "1_100", Command: CmdSetPosition}, device.ErrInvalidParameter, ErrCodeInvalidParameters},
		{"position out of range", CommandMessage{DeviceID: "1_100", Command: CmdSetPosition, Parameters: map[string]any{"position": 150.0}}, device.ErrInvalidParameter, ErrCodeInvalidParameters},
		{"bad hvac mode", CommandMessage{DeviceID: "3_300", Command: CmdSetHVACMode, Parameters: map[string]any{"mode": "turbo"}}, device.ErrInvalidParameter, ErrCodeInvalidParameters},
		{"set_attribute without value", CommandMessage{DeviceID: "5_500", Command: CmdSetAttribute, Parameters: map[string]any{"name": "foo"}}, device.ErrInvalidParameter, ErrCodeInvalidParameters},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, sender, _ := newControllerFixture(t)

			_, err := c.Execute(context.Background(), tt.cmd)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Execute() error = %v, want %v", err, tt.wantErr)
			}
			if code := ErrorCode(err); code != tt.wantCode {
				t.Errorf("ErrorCode() = %s, want %s", code, tt.wantCode)
			}
			if len(sender.sent) != 0 {
				t.Errorf("rejected command still sent %d requests", len(sender.sent))
			}
		})
	}
}

func TestController_AlarmWithoutPIN(t *testing.T) {
	reg := device.NewRegistry()
	reg.Apply([]device.Delta{{UniqueID: "4_400", DeviceID: "400", EndpointID: "4", Kind: device.KindAlarm}})
	c := NewController(&fakeSender{}, reg, device.NewCatalog(), ControllerConfig{})

	_, err := c.Execute(context.Background(), CommandMessage{DeviceID: "4_400", Command: CmdDisarm})
	if !errors.Is(err, device.ErrAlarmPINRequired) {
		t.Fatalf("Execute() error = %v, want ErrAlarmPINRequired", err)
	}
	if code := ErrorCode(err); code != ErrCodeNotConfigured {
		t.Errorf("ErrorCode() = %s, want %s", code, ErrCodeNotConfigured)
	}

	_, err = c.Execute(context.Background(), CommandMessage{DeviceID: "4_400", Command: CmdArm, Parameters: map[string]any{"mode": "home", "pin": "1"}})
	if !errors.Is(err, device.ErrUnknownZone) {
		t.Errorf("arm home without zones error = %v, want ErrUnknownZone", err)
	}
}

func TestController_GatewayCommands(t *testing.T) {
	c, sender, cat := newControllerFixture(t)
	ctx := context.Background()

	for _, target := range []string{GatewayTarget, "001A25123456"} {
		if _, err := c.Execute(ctx, CommandMessage{DeviceID: target, Command: CmdRefresh}); err != nil {
			t.Fatalf("refresh on %s error = %v", target, err)
		}
	}
	if sender.bootstraps != 2 {
		t.Errorf("bootstraps = %d, want 2", sender.bootstraps)
	}

	path, err := c.Execute(ctx, CommandMessage{DeviceID: GatewayTarget, Command: CmdActivateScenario, Parameters: map[string]any{"scenario_id": 1234.0}})
	if err != nil {
		t.Fatalf("activate_scenario error = %v", err)
	}
	if path != "/scenarios/1234" || sender.last().Body != `{"value":"ON"}` {
		t.Errorf("activate_scenario sent %+v to %s", sender.last(), path)
	}

	if _, err := c.Execute(ctx, CommandMessage{DeviceID: GatewayTarget, Command: CmdActivateScenario}); !errors.Is(err, device.ErrInvalidParameter) {
		t.Errorf("activate_scenario without id error = %v", err)
	}

	cat.ReplaceScenarios([]device.Scenario{{ID: "1234", Name: "Départ"}})
	if _, err := c.ActivateScenario(ctx, "42"); !errors.Is(err, device.ErrInvalidParameter) {
		t.Errorf("ActivateScenario(unknown) error = %v, want ErrInvalidParameter", err)
	}
	if _, err := c.ActivateScenario(ctx, "1234"); err != nil {
		t.Errorf("ActivateScenario(known) error = %v", err)
	}
}

func TestController_SendFailure(t *testing.T) {
	c, sender, _ := newControllerFixture(t)
	sender.err = fmt.Errorf("%w: broken pipe", ErrCommunication)

	path, err := c.Execute(context.Background(), CommandMessage{DeviceID: "1_100", Command: CmdClose})
	if !errors.Is(err, ErrCommunication) {
		t.Fatalf("Execute() error = %v, want ErrCommunication", err)
	}
	if path != "/devices/100/endpoints/1/data" {
		t.Errorf("path = %q, want the attempted path", path)
	}
	if code := ErrorCode(err); code != ErrCodeGatewayError {
		t.Errorf("ErrorCode() = %s, want %s", code, ErrCodeGatewayError)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{context.DeadlineExceeded, ErrCodeTimeout},
		{ErrNotConnected, ErrCodeGatewayError},
		{ErrClosed, ErrCodeGatewayError},
		{errors.New("boom"), ErrCodeBridgeError},
	}
	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.want {
			t.Errorf("ErrorCode(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
