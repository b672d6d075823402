package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_Counters(t *testing.T) {
	c := New()

	c.FramesRouted.WithLabelValues("msg_data").Inc()
	c.FramesRouted.WithLabelValues("msg_data").Inc()
	c.FramesRouted.WithLabelValues("msg_config").Inc()
	c.DeltasApplied.Add(3)
	c.Devices.Set(7)

	if got := testutil.ToFloat64(c.FramesRouted.WithLabelValues("msg_data")); got != 2 {
		t.Errorf("frames msg_data = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.DeltasApplied); got != 3 {
		t.Errorf("deltas = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.Devices); got != 7 {
		t.Errorf("devices = %v, want 7", got)
	}
}

func TestCollector_Command(t *testing.T) {
	c := New()

	c.Command("open", nil)
	c.Command("open", errors.New("boom"))
	c.Command("open", nil)

	if got := testutil.ToFloat64(c.Commands.WithLabelValues("open", ResultOK)); got != 2 {
		t.Errorf("ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Commands.WithLabelValues("open", ResultError)); got != 1 {
		t.Errorf("error = %v, want 1", got)
	}
}

func TestCollector_HandlerExposesSession(t *testing.T) {
	c := New()
	c.WatchSession(func() SessionSnapshot {
		return SessionSnapshot{Connected: true, Reconnects: 4, FramesSent: 10}
	})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{
		"tydom_session_connected 1",
		"tydom_session_reconnects_total 4",
		"tydom_session_frames_sent_total 10",
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestCollector_Helpers(t *testing.T) {
	c := New()

	c.FrameRouted("msg_info")
	c.FrameDropped()
	c.DeltasAppliedAdd(2)
	c.SetDevices(5)
	c.PublishFailed()

	if got := testutil.ToFloat64(c.FramesRouted.WithLabelValues("msg_info")); got != 1 {
		t.Errorf("frames msg_info = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.FramesDropped); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.DeltasApplied); got != 2 {
		t.Errorf("deltas = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Devices); got != 5 {
		t.Errorf("devices = %v, want 5", got)
	}
	if got := testutil.ToFloat64(c.PublishErrors); got != 1 {
		t.Errorf("publish errors = %v, want 1", got)
	}
}
