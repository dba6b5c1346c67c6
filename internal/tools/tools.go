// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package tools implements the four MCP tools the broker exposes and binds
// them to server.ServerTool values the stdio server can register directly.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hyper-ai-inc/consolebroker/internal/discovery"
	"github.com/hyper-ai-inc/consolebroker/internal/domain"
	"github.com/hyper-ai-inc/consolebroker/internal/id"
	"github.com/hyper-ai-inc/consolebroker/internal/peer"
	"github.com/hyper-ai-inc/consolebroker/internal/platform"
	"github.com/hyper-ai-inc/consolebroker/internal/response"
	"github.com/hyper-ai-inc/consolebroker/internal/session"
)

// Handlers wires the shared broker components every tool needs.
type Handlers struct {
	Mgr *session.Manager
	Log *slog.Logger

	// Launch is called whenever a new console must be started; it is a
	// function field rather than a *launch.Launcher, so package tools does
	// not import package launch.
	Launch func(ctx context.Context, agentID string) (int, error)
}

// ServerTools returns every tool this package implements as mcp-go
// ServerTool values, ready to register with server.NewMCPServer.
func (h *Handlers) ServerTools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: getCurrentLocationTool(), Handler: h.getCurrentLocation},
		{Tool: invokeExpressionTool(), Handler: h.invokeExpression},
		{Tool: waitForCompletionTool(), Handler: h.waitForCompletion},
		{Tool: startPowerShellConsoleTool(), Handler: h.startPowerShellConsole},
	}
}

func agentIDFromRequest(req mcp.CallToolRequest) string {
	agentID := req.GetString("agentId", "")
	if agentID == "" {
		agentID = "default"
	}
	return agentID
}

// requestID tags one tool call for log correlation across the discovery,
// peer, and launch calls it may fan out into. Falls back to "unknown" if
// crypto/rand is unavailable rather than failing the call over it.
func requestID() string {
	rid, err := id.New8()
	if err != nil {
		return "unknown"
	}
	return rid
}

func (h *Handlers) clientForName(name string) *peer.Client {
	return peer.New(platform.Address(name))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// catchyNames are arbitrary, semantically meaningless console window-title
// words; the spec only requires a short mnemonic, not a specific choice.
var catchyNames = []string{
	"Aurora", "Comet", "Ember", "Flint", "Harbor", "Juniper", "Kestrel", "Lagoon",
	"Meadow", "Nimbus", "Orchid", "Pebble", "Quartz", "Ridge", "Sable", "Thistle",
	"Umber", "Violet", "Willow", "Zephyr",
}

func catchyName(peerPid int) string {
	if peerPid < 0 {
		peerPid = -peerPid
	}
	return catchyNames[peerPid%len(catchyNames)]
}

// reservedScopeNames never trigger a SCOPE WARNING even when assigned
// without an explicit scope prefix, per §9's pragmatic reserved-name set.
var reservedScopeNames = map[string]bool{
	"null": true, "true": true, "false": true, "_": true,
	"Matches": true, "PSItem": true, "args": true, "input": true, "this": true,
}

// assignmentRe finds "$name =" assignments. A name immediately followed by
// a scope-prefix colon (e.g. "$script:foo") never matches here, since the
// colon breaks the identifier-then-equals pattern before the capture group
// can close.
var assignmentRe = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)\s*=[^=]`)

// scopeWarning implements §4.5.2 step 1: flag $name assignments that have
// no explicit scope prefix and are not one of the reserved automatic
// variables, since such assignments may not outlive the invocation.
func scopeWarning(pipeline string) string {
	matches := assignmentRe.FindAllStringSubmatch(pipeline, -1)
	seen := make(map[string]bool)
	var offending []string
	for _, m := range matches {
		name := m[1]
		if reservedScopeNames[name] || seen[name] {
			continue
		}
		seen[name] = true
		offending = append(offending, "$"+name)
	}
	if len(offending) == 0 {
		return ""
	}
	return fmt.Sprintf(
		"SCOPE WARNING: %s assigned without an explicit scope prefix ($script: or $global:); the value may not persist beyond this invocation.",
		strings.Join(offending, ", "),
	)
}

func historyNote(pipeline string) string {
	if strings.ContainsAny(pipeline, "\n\r") {
		return "HISTORY NOTE: this pipeline spans multiple lines and may not appear as a single entry in the console's interactive history."
	}
	return ""
}

// startConsoleInternal implements §4.5.4 steps 2-5 as shared logic for
// every call site that needs to bring up a fresh console: launch the peer,
// claim it, set its window title, fetch its location, and harvest whatever
// output its siblings were still holding.
func (h *Handlers) startConsoleInternal(ctx context.Context, agentID string) (ownedName, location string, cached domain.CachedOutputResult, err error) {
	if h.Launch == nil {
		err = fmt.Errorf("console launch failed: no launcher configured (likely causes: no terminal emulator available, launcher invocation failed, or the peer module failed to initialise)")
		return
	}
	peerPid, launchErr := h.Launch(ctx, agentID)
	if launchErr != nil {
		err = fmt.Errorf("console launch failed: %v (likely causes: no terminal emulator available, launcher invocation failed, or the peer module failed to initialise)", launchErr)
		return
	}

	ownedName = h.Mgr.GetPipeNameForPids(os.Getpid(), agentID, peerPid)
	h.Mgr.SetActivePipeName(agentID, ownedName)
	h.Mgr.UnmarkPipeBusy(agentID, peerPid)

	client := h.clientForName(ownedName)
	title := fmt.Sprintf("#%d %s", peerPid, catchyName(peerPid))
	if terr := client.SetWindowTitle(ctx, title); terr != nil {
		h.Log.Debug("[tools] set window title failed", "error", terr)
	}

	location, _ = client.GetCurrentLocation(ctx)
	cached = discovery.CollectAllCachedOutputs(ctx, h.Mgr, agentID, ownedName)
	return
}

func getCurrentLocationTool() mcp.Tool {
	return mcp.NewTool("get_current_location",
		mcp.WithDescription("Returns the current working location of the agent's console, starting one if none is ready."),
		mcp.WithString("agentId", mcp.Description("Identifies which agent's console to query; defaults to \"default\".")),
	)
}

func (h *Handlers) getCurrentLocation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := agentIDFromRequest(req)
	h.Log.Debug("[tools] get_current_location", "requestId", requestID(), "agentId", agentID)

	result, err := discovery.FindReadyPipe(ctx, h.Mgr, agentID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if !result.Found() {
		_, location, cached, serr := h.startConsoleInternal(ctx, agentID)
		if serr != nil {
			return mcp.NewToolResultError(serr.Error()), nil
		}
		body := response.Compose(response.Sections{
			ClosedConsole:        strings.Join(result.ClosedConsoleMessages, "\n"),
			AllPipesStatus:       result.AllPipesStatusInfo,
			BusySiblingLines:     cached.BusyStatusInfo,
			CachedSiblingOutputs: cached.CompletedOutput,
			Primary:              fmt.Sprintf("Console started successfully. Location: %s", location),
		})
		return mcp.NewToolResultText(body), nil
	}

	client := h.clientForName(result.ReadyPipeName)
	location, err := client.GetCurrentLocation(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cached := discovery.CollectAllCachedOutputs(ctx, h.Mgr, agentID, result.ReadyPipeName)

	// §4.5.1 step 4's literal order: completed output, busy status, closure
	// notices, then the location body.
	body := response.New().
		AddRaw(cached.CompletedOutput).
		AddRaw(cached.BusyStatusInfo).
		AddRaw(strings.Join(result.ClosedConsoleMessages, "\n")).
		AddRaw(location).
		String()
	return mcp.NewToolResultText(body), nil
}

func invokeExpressionTool() mcp.Tool {
	return mcp.NewTool("invoke_expression",
		mcp.WithDescription("Evaluates a PowerShell pipeline in the agent's console and returns its output."),
		mcp.WithString("agentId", mcp.Description("Identifies which agent's console to use; defaults to \"default\".")),
		mcp.WithString("pipeline", mcp.Required(), mcp.Description("The PowerShell pipeline to evaluate.")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Seconds to wait before caching the result and reporting timeout; clamped to [1, 170], default 170.")),
		mcp.WithObject("env", mcp.Description("Environment variable overlay applied for the duration of this call.")),
	)
}

func (h *Handlers) invokeExpression(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := agentIDFromRequest(req)
	pipeline, err := req.RequireString("pipeline")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	timeoutSeconds := clampInt(req.GetInt("timeout_seconds", 170), 1, 170)
	env := stringMap(req.GetArguments()["env"])
	h.Log.Debug("[tools] invoke_expression", "requestId", requestID(), "agentId", agentID, "timeoutSeconds", timeoutSeconds)

	warning := scopeWarning(pipeline)
	note := historyNote(pipeline)

	result, err := discovery.FindReadyPipe(ctx, h.Mgr, agentID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if !result.Found() {
		_, location, cached, serr := h.startConsoleInternal(ctx, agentID)
		if serr != nil {
			return mcp.NewToolResultError(serr.Error()), nil
		}
		body := response.Compose(response.Sections{
			ScopeWarning:         warning,
			ClosedConsole:        strings.Join(result.ClosedConsoleMessages, "\n"),
			AllPipesStatus:       result.AllPipesStatusInfo,
			BusySiblingLines:     cached.BusyStatusInfo,
			CachedSiblingOutputs: cached.CompletedOutput,
			Primary: fmt.Sprintf(
				"Console started. Pipeline NOT executed — verify location and re-execute. Location: %s", location,
			),
		})
		return mcp.NewToolResultText(body), nil
	}

	if result.ConsoleSwitched {
		client := h.clientForName(result.ReadyPipeName)
		location, _ := client.GetCurrentLocation(ctx)
		cached := discovery.CollectAllCachedOutputs(ctx, h.Mgr, agentID, result.ReadyPipeName)
		if terr := client.SetWindowTitle(ctx, "console"); terr != nil {
			h.Log.Debug("[tools] set window title failed", "error", terr)
		}
		body := response.Compose(response.Sections{
			ScopeWarning:         warning,
			ClosedConsole:        strings.Join(result.ClosedConsoleMessages, "\n"),
			BusySiblingLines:     cached.BusyStatusInfo,
			CachedSiblingOutputs: cached.CompletedOutput,
			Primary: fmt.Sprintf(
				"Switched to console — Pipeline NOT executed; verify location and re-execute. Location: %s", location,
			),
		})
		return mcp.NewToolResultText(body), nil
	}

	client := h.clientForName(result.ReadyPipeName)
	exec, err := client.InvokeExpression(ctx, pipeline, timeoutSeconds, env)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cached := discovery.CollectAllCachedOutputs(ctx, h.Mgr, agentID, result.ReadyPipeName)

	var primary string
	switch exec.Tag {
	case domain.TagSuccess:
		primary = exec.Output
	case domain.TagCompleted:
		primary = "Result cached — use wait_for_completion or re-invoke to retrieve."
	case domain.TagTimeout:
		h.Mgr.MarkPipeBusy(agentID, exec.Pid)
		primary = fmt.Sprintf(
			"Pipeline is still running after %d second(s); call wait_for_completion to retrieve its result once it finishes.",
			timeoutSeconds,
		)
	case domain.TagBusy:
		line := exec.StatusLine
		if line == "" {
			line = exec.BusyReason
		}
		primary = fmt.Sprintf("Console (pid %d) is busy: %s", exec.Pid, line)
	default:
		primary = exec.Output
	}

	body := response.Compose(response.Sections{
		ScopeWarning:         warning,
		ClosedConsole:        strings.Join(result.ClosedConsoleMessages, "\n"),
		BusySiblingLines:     cached.BusyStatusInfo,
		CachedSiblingOutputs: cached.CompletedOutput,
		Primary:              primary,
		Hint:                 note,
	})
	return mcp.NewToolResultText(body), nil
}

func waitForCompletionTool() mcp.Tool {
	return mcp.NewTool("wait_for_completion",
		mcp.WithDescription("Waits for a previously timed-out pipeline to finish and returns its output."),
		mcp.WithString("agentId", mcp.Description("Identifies which agent's consoles to wait on; defaults to \"default\".")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Seconds to poll before giving up; clamped to [1, 170], default 30.")),
	)
}

const waitPollInterval = 1 * time.Second

func (h *Handlers) waitForCompletion(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := agentIDFromRequest(req)
	timeoutSeconds := clampInt(req.GetInt("timeout_seconds", 30), 1, 170)
	h.Log.Debug("[tools] wait_for_completion", "requestId", requestID(), "agentId", agentID, "timeoutSeconds", timeoutSeconds)

	proxyPid := os.Getpid()
	owned, err := h.Mgr.EnumeratePipes(proxyPid, agentID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	polling := make(map[string]bool)
	for _, name := range owned {
		client := h.clientForName(name)
		status, err := client.GetStatus(ctx)
		if err != nil || status.Dead() {
			h.Mgr.ClearDeadPipe(agentID, name)
			continue
		}
		switch status.Status {
		case domain.StatusCompleted:
			out, _ := client.ConsumeOutput(ctx)
			h.Mgr.UnmarkPipeBusy(agentID, status.Pid)
			cached := discovery.CollectAllCachedOutputs(ctx, h.Mgr, agentID, name)
			body := response.New().AddRaw(out).AddRaw(cached.BusyStatusInfo).String()
			return mcp.NewToolResultText(body), nil
		case domain.StatusBusy:
			polling[name] = true
			h.Mgr.MarkPipeBusy(agentID, status.Pid)
		}
	}

	if len(polling) == 0 {
		return mcp.NewToolResultText("No commands to wait for completion."), nil
	}

	deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return mcp.NewToolResultError(ctx.Err().Error()), nil
		case <-ticker.C:
		}
		for name := range polling {
			client := h.clientForName(name)
			status, err := client.GetStatus(ctx)
			if err != nil || status.Dead() {
				h.Mgr.ClearDeadPipe(agentID, name)
				delete(polling, name)
				continue
			}
			switch status.Status {
			case domain.StatusStandby:
				h.Mgr.UnmarkPipeBusy(agentID, status.Pid)
				delete(polling, name)
			case domain.StatusCompleted:
				out, _ := client.ConsumeOutput(ctx)
				h.Mgr.UnmarkPipeBusy(agentID, status.Pid)
				cached := discovery.CollectAllCachedOutputs(ctx, h.Mgr, agentID, name)
				body := response.New().AddRaw(out).AddRaw(cached.BusyStatusInfo).String()
				return mcp.NewToolResultText(body), nil
			}
		}
	}

	cached := discovery.CollectAllCachedOutputs(ctx, h.Mgr, agentID, "")
	body := response.New().AddRaw(cached.CompletedOutput).AddRaw(cached.BusyStatusInfo).String()
	if body == "" {
		body = "No output became available before the wait timed out."
	}
	return mcp.NewToolResultText(body), nil
}

func startPowerShellConsoleTool() mcp.Tool {
	return mcp.NewTool("start_powershell_console",
		mcp.WithDescription("Launches a new PowerShell console for the agent, claiming it exclusively."),
		mcp.WithString("agentId", mcp.Description("Identifies which agent this console belongs to; defaults to \"default\".")),
	)
}

func (h *Handlers) startPowerShellConsole(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := agentIDFromRequest(req)
	h.Log.Debug("[tools] start_powershell_console", "requestId", requestID(), "agentId", agentID)

	// Step 1: run FindReadyPipe before launching for its closure notices and
	// busy lines. It stops at the first ready pipe, so not every owned pipe
	// is probed here; the CollectAllCachedOutputs sweep inside
	// startConsoleInternal probes every other owned pipe after the launch
	// and marks the busy ones.
	prior, err := discovery.FindReadyPipe(ctx, h.Mgr, agentID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	_, location, cached, serr := h.startConsoleInternal(ctx, agentID)
	if serr != nil {
		return mcp.NewToolResultError(serr.Error()), nil
	}

	body := response.Compose(response.Sections{
		ClosedConsole:        strings.Join(prior.ClosedConsoleMessages, "\n"),
		AllPipesStatus:       prior.AllPipesStatusInfo,
		BusySiblingLines:     cached.BusyStatusInfo,
		CachedSiblingOutputs: cached.CompletedOutput,
		Primary:              fmt.Sprintf("Console started successfully. Location: %s", location),
	})
	return mcp.NewToolResultText(body), nil
}

func stringMap(v any) map[string]string {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}
