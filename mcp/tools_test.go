package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbocsi/dmxlink/client"
	"github.com/mbocsi/dmxlink/proto"
	"github.com/mbocsi/dmxlink/queue"
	"github.com/mbocsi/dmxlink/scene"
)

type setCall struct {
	universe, channel int
	value             float64
}

type mockController struct {
	sets     []setCall
	scale    float64
	recalled []scene.Scene
	result   scene.Result
	flushed  []queue.FlushResult
	status   *client.Status
}

func (m *mockController) SetChannel(universe, channel int, value float64) {
	m.sets = append(m.sets, setCall{universe, channel, value})
}

func (m *mockController) Flush(ctx context.Context) []queue.FlushResult { return m.flushed }

func (m *mockController) SetMasterDimmer(scale float64) { m.scale = scale }

func (m *mockController) RecallScene(ctx context.Context, s scene.Scene) scene.Result {
	m.recalled = append(m.recalled, s)
	return m.result
}

func (m *mockController) ConnectionStatus() (client.Status, bool) {
	if m.status == nil {
		return client.Status{}, false
	}
	return *m.status, true
}

func request(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("Expected 1 content item, got %d", len(res.Content))
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("Expected text content, got %T", res.Content[0])
	}
	return text.Text
}

func TestSetChannel(t *testing.T) {
	ctrl := &mockController{}
	tl := &tools{ctrl: ctrl}

	res, err := tl.handleSetChannel(context.Background(), request("set_channel", map[string]any{
		"universe": 1.0, "channel": 10.0, "value": 128.0,
	}))
	if err != nil || res.IsError {
		t.Fatalf("Expected success, got %v %v", err, res)
	}
	if len(ctrl.sets) != 1 || ctrl.sets[0] != (setCall{1, 10, 128}) {
		t.Errorf("Expected one write to 1/10=128, got %v", ctrl.sets)
	}
}

func TestSetChannelValidation(t *testing.T) {
	ctrl := &mockController{}
	tl := &tools{ctrl: ctrl}

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing channel", map[string]any{"value": 1.0}},
		{"missing value", map[string]any{"channel": 1.0}},
		{"channel too high", map[string]any{"channel": 513.0, "value": 1.0}},
		{"channel zero", map[string]any{"channel": 0.0, "value": 1.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, _ := tl.handleSetChannel(context.Background(), request("set_channel", tt.args))
			if !res.IsError {
				t.Errorf("Expected tool error")
			}
		})
	}
	if len(ctrl.sets) != 0 {
		t.Errorf("Expected no writes, got %v", ctrl.sets)
	}
}

func TestSetMasterDimmer(t *testing.T) {
	ctrl := &mockController{}
	tl := &tools{ctrl: ctrl}

	res, _ := tl.handleSetMasterDimmer(context.Background(), request("set_master_dimmer", map[string]any{"scale": 0.5}))
	if res.IsError || ctrl.scale != 0.5 {
		t.Errorf("Expected scale 0.5, got %v", ctrl.scale)
	}

	res, _ = tl.handleSetMasterDimmer(context.Background(), request("set_master_dimmer", map[string]any{"scale": 1.5}))
	if !res.IsError {
		t.Errorf("Expected out of range scale to fail")
	}
}

func TestFlushListsPatches(t *testing.T) {
	ack := &proto.Ack{Ack: "p1", Accepted: false, Reason: "REJECTED"}
	ctrl := &mockController{flushed: []queue.FlushResult{
		{AckID: "p1", Command: proto.NewDMXPatch(0, []proto.PatchEntry{{Ch: 1, Val: 2}}), Ack: ack},
		{AckID: "p2", Command: proto.NewDMXPatch(1, []proto.PatchEntry{{Ch: 3, Val: 4}, {Ch: 5, Val: 6}})},
	}}
	tl := &tools{ctrl: ctrl}

	res, _ := tl.handleFlush(context.Background(), request("flush", nil))
	var out struct {
		Count   int              `json:"count"`
		Patches []map[string]any `json:"patches"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if out.Count != 2 {
		t.Fatalf("Expected 2 patches, got %d", out.Count)
	}
	if out.Patches[0]["accepted"] != false || out.Patches[0]["reason"] != "REJECTED" {
		t.Errorf("Expected immediate rejection on first patch, got %v", out.Patches[0])
	}
	if _, ok := out.Patches[1]["accepted"]; ok {
		t.Errorf("Expected pending patch without outcome, got %v", out.Patches[1])
	}
	if out.Patches[1]["entries"] != float64(2) {
		t.Errorf("Expected 2 entries, got %v", out.Patches[1]["entries"])
	}
}

func TestRecallScene(t *testing.T) {
	ctrl := &mockController{result: scene.Result{Accepted: true}}
	tl := &tools{ctrl: ctrl}

	res, _ := tl.handleRecallScene(context.Background(), request("recall_scene", map[string]any{
		"name":     "warm",
		"universe": 2.0,
		"values":   map[string]any{"3": 30.0, "1": 10.0},
	}))
	if res.IsError {
		t.Fatalf("Expected success, got %s", resultText(t, res))
	}
	if len(ctrl.recalled) != 1 {
		t.Fatalf("Expected one recall, got %d", len(ctrl.recalled))
	}
	got := ctrl.recalled[0]
	if got.Name != "warm" {
		t.Errorf("Expected scene warm, got %s", got.Name)
	}
	values := got.Values[2]
	if len(values) != 2 || values[0].Channel != 1 || values[1].Channel != 3 {
		t.Errorf("Expected sorted values for universe 2, got %v", got.Values)
	}
	if text := resultText(t, res); text != `{"accepted":true}` {
		t.Errorf("Expected accepted result, got %s", text)
	}
}

func TestRecallSceneRejectsBadValues(t *testing.T) {
	ctrl := &mockController{}
	tl := &tools{ctrl: ctrl}

	for _, values := range []any{nil, map[string]any{}, map[string]any{"x": 1.0}, map[string]any{"1": "high"}} {
		res, _ := tl.handleRecallScene(context.Background(), request("recall_scene", map[string]any{
			"name": "bad", "values": values,
		}))
		if !res.IsError {
			t.Errorf("Expected error for values %v", values)
		}
	}
	if len(ctrl.recalled) != 0 {
		t.Errorf("Expected no recalls, got %d", len(ctrl.recalled))
	}
}

func TestConnectionStatus(t *testing.T) {
	ctrl := &mockController{}
	tl := &tools{ctrl: ctrl}

	res, _ := tl.handleConnectionStatus(context.Background(), request("connection_status", nil))
	if text := resultText(t, res); text != `{"state":"none"}` {
		t.Errorf("Expected no client, got %s", text)
	}

	ctrl.status = &client.Status{State: client.StateOpen, Queued: 3, LastPong: time.UnixMilli(5000)}
	res, _ = tl.handleConnectionStatus(context.Background(), request("connection_status", nil))
	var out map[string]any
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if out["state"] != client.StateOpen.String() || out["queued"] != float64(3) || out["lastPong"] != float64(5000) {
		t.Errorf("Expected open status, got %v", out)
	}
}
