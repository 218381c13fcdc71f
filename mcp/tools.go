package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbocsi/dmxlink/client"
	"github.com/mbocsi/dmxlink/queue"
	"github.com/mbocsi/dmxlink/scene"
)

// Controller is the lighting surface the tools drive. *app.App implements it.
type Controller interface {
	SetChannel(universe, channel int, value float64)
	Flush(ctx context.Context) []queue.FlushResult
	SetMasterDimmer(scale float64)
	RecallScene(ctx context.Context, s scene.Scene) scene.Result
	ConnectionStatus() (client.Status, bool)
}

type tools struct {
	ctrl Controller
}

func registerTools(s *server.MCPServer, t *tools) {
	setChannelTool := mcp.NewTool("set_channel",
		mcp.WithDescription("Set one DMX channel. The write is coalesced and sent on the next frame."),
		mcp.WithNumber("universe",
			mcp.Description("Universe number, defaults to 0"),
		),
		mcp.WithNumber("channel",
			mcp.Required(),
			mcp.Description("Channel 1-512"),
		),
		mcp.WithNumber("value",
			mcp.Required(),
			mcp.Description("Value 0-255 before the master dimmer is applied"),
		),
	)
	s.AddTool(setChannelTool, t.handleSetChannel)

	flushTool := mcp.NewTool("flush",
		mcp.WithDescription("Send all pending channel writes now and list the emitted patches"),
	)
	s.AddTool(flushTool, t.handleFlush)

	dimmerTool := mcp.NewTool("set_master_dimmer",
		mcp.WithDescription("Scale every subsequent channel write"),
		mcp.WithNumber("scale",
			mcp.Required(),
			mcp.Description("Scale between 0 and 1"),
		),
	)
	s.AddTool(dimmerTool, t.handleSetMasterDimmer)

	recallTool := mcp.NewTool("recall_scene",
		mcp.WithDescription("Apply a scene and wait for the backend to accept it. Rejected scenes are reverted."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Scene name"),
		),
		mcp.WithNumber("universe",
			mcp.Description("Universe number, defaults to 0"),
		),
		mcp.WithObject("values",
			mcp.Required(),
			mcp.Description("Channel number to value, e.g. {\"1\": 255, \"2\": 128}"),
		),
	)
	s.AddTool(recallTool, t.handleRecallScene)

	statusTool := mcp.NewTool("connection_status",
		mcp.WithDescription("Report the backend connection state"),
	)
	s.AddTool(statusTool, t.handleConnectionStatus)
}

func (t *tools) handleSetChannel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	channel, err := request.RequireFloat("channel")
	if err != nil {
		return mcp.NewToolResultError("channel is required and must be a number"), nil
	}
	value, err := request.RequireFloat("value")
	if err != nil {
		return mcp.NewToolResultError("value is required and must be a number"), nil
	}
	universe := int(request.GetFloat("universe", 0))

	if channel < 1 || channel > 512 {
		return mcp.NewToolResultError(fmt.Sprintf("channel %v out of range 1-512", channel)), nil
	}
	t.ctrl.SetChannel(universe, int(channel), value)
	return mcp.NewToolResultText(fmt.Sprintf("Queued universe %d channel %d = %v", universe, int(channel), value)), nil
}

func (t *tools) handleFlush(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	results := t.ctrl.Flush(ctx)

	patches := make([]map[string]any, 0, len(results))
	for _, res := range results {
		p := map[string]any{
			"id":       res.AckID,
			"universe": res.Command.Universe,
			"entries":  len(res.Command.Patch),
		}
		if res.Ack != nil {
			p["accepted"] = res.Ack.Accepted
			if res.Ack.Reason != "" {
				p["reason"] = res.Ack.Reason
			}
		}
		patches = append(patches, p)
	}
	return jsonResult(map[string]any{"patches": patches, "count": len(patches)})
}

func (t *tools) handleSetMasterDimmer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scale, err := request.RequireFloat("scale")
	if err != nil {
		return mcp.NewToolResultError("scale is required and must be a number"), nil
	}
	if scale < 0 || scale > 1 {
		return mcp.NewToolResultError(fmt.Sprintf("scale %v out of range 0-1", scale)), nil
	}
	t.ctrl.SetMasterDimmer(scale)
	return mcp.NewToolResultText(fmt.Sprintf("Master dimmer set to %v", scale)), nil
}

func (t *tools) handleRecallScene(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required and must be a string"), nil
	}
	universe := int(request.GetFloat("universe", 0))

	args := request.GetArguments()
	raw, ok := args["values"].(map[string]any)
	if !ok || len(raw) == 0 {
		return mcp.NewToolResultError("values must be a non-empty object of channel to value"), nil
	}

	values := make([]scene.ChannelValue, 0, len(raw))
	for key, v := range raw {
		ch, err := strconv.Atoi(key)
		if err != nil || ch < 1 || ch > 512 {
			return mcp.NewToolResultError(fmt.Sprintf("invalid channel %q", key)), nil
		}
		f, ok := v.(float64)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("value for channel %s must be a number", key)), nil
		}
		values = append(values, scene.ChannelValue{Channel: ch, Value: int(f)})
	}
	slices.SortFunc(values, func(a, b scene.ChannelValue) int { return a.Channel - b.Channel })

	res := t.ctrl.RecallScene(ctx, scene.Scene{
		ID:     name,
		Name:   name,
		Values: map[int][]scene.ChannelValue{universe: values},
	})
	return jsonResult(res)
}

func (t *tools) handleConnectionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, ok := t.ctrl.ConnectionStatus()
	if !ok {
		return jsonResult(map[string]any{"state": "none"})
	}
	out := map[string]any{
		"state":   status.State.String(),
		"attempt": status.Attempt,
		"queued":  status.Queued,
	}
	if !status.LastPong.IsZero() {
		out["lastPong"] = status.LastPong.UnixMilli()
	}
	return jsonResult(out)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
