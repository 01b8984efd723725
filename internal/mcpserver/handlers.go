package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// defaultEventLimit is used when recent_risk_events omits limit.
const defaultEventLimit = 10

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *GuardClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *GuardClient) *Handlers {
	return &Handlers{client: client}
}

// owner resolves the owner argument, falling back to the configured one.
func (h *Handlers) owner(req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	owner := strings.TrimSpace(req.GetString("owner", ""))
	if owner == "" {
		owner = h.client.cfg.Owner
	}
	if owner == "" {
		return "", mcp.NewToolResultError("owner is required (no default owner configured)")
	}
	return owner, nil
}

// HandleGetWhitelist lists trusted spenders.
func (h *Handlers) HandleGetWhitelist(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, errResult := h.owner(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.GetWhitelist(ctx, owner)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get whitelist: %v", err)), nil
	}

	text, err := formatWhitelist(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse whitelist: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleAddTrustedSpender adds a spender to the trusted list.
func (h *Handlers) HandleAddTrustedSpender(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, errResult := h.owner(req)
	if errResult != nil {
		return errResult, nil
	}
	spender := strings.TrimSpace(req.GetString("spender", ""))
	if spender == "" {
		return mcp.NewToolResultError("spender is required"), nil
	}

	if _, err := h.client.AddSpender(ctx, owner, spender); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to add spender: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Spender %s is now trusted by %s.", spender, owner)), nil
}

// HandleRemoveTrustedSpender removes a spender from the trusted list.
func (h *Handlers) HandleRemoveTrustedSpender(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, errResult := h.owner(req)
	if errResult != nil {
		return errResult, nil
	}
	spender := strings.TrimSpace(req.GetString("spender", ""))
	if spender == "" {
		return mcp.NewToolResultError("spender is required"), nil
	}

	if _, err := h.client.RemoveSpender(ctx, owner, spender); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to remove spender: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Spender %s is no longer trusted by %s.", spender, owner)), nil
}

// HandleScanAllowances reports live allowances for trusted spenders.
func (h *Handlers) HandleScanAllowances(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, errResult := h.owner(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.ScanAllowances(ctx, owner)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to scan allowances: %v", err)), nil
	}

	text, err := formatScan(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse scan: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRecentRiskEvents lists recent risk events.
func (h *Handlers) HandleRecentRiskEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, errResult := h.owner(req)
	if errResult != nil {
		return errResult, nil
	}
	limit := req.GetInt("limit", defaultEventLimit)
	if limit <= 0 {
		limit = defaultEventLimit
	}

	raw, err := h.client.RecentEvents(ctx, owner, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get risk events: %v", err)), nil
	}

	text, err := formatEvents(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse risk events: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleWatchOwner starts or stops a monitoring session.
func (h *Handlers) HandleWatchOwner(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, errResult := h.owner(req)
	if errResult != nil {
		return errResult, nil
	}

	if req.GetBool("stop", false) {
		if _, err := h.client.Unwatch(ctx, owner); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to stop monitoring: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Stopped monitoring %s.", owner)), nil
	}

	raw, err := h.client.Watch(ctx, owner)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start monitoring: %v", err)), nil
	}

	var resp struct {
		Created bool `json:"created"`
		Session struct {
			Token        string `json:"token"`
			ScanInterval string `json:"scanInterval"`
		} `json:"session"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session: %v", err)), nil
	}

	verb := "Already monitoring"
	if resp.Created {
		verb = "Now monitoring"
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s %s (token %s, scan every %s).",
		verb, owner, resp.Session.Token, resp.Session.ScanInterval)), nil
}

// --- formatting ---

type verdict struct {
	Level   string   `json:"level"`
	Reasons []string `json:"reasons"`
}

func (v verdict) String() string {
	if len(v.Reasons) == 0 {
		return v.Level
	}
	return v.Level + " (" + strings.Join(v.Reasons, ", ") + ")"
}

func formatWhitelist(raw json.RawMessage) (string, error) {
	var resp struct {
		Owner    string   `json:"owner"`
		Spenders []string `json:"spenders"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Spenders) == 0 {
		return fmt.Sprintf("%s has no trusted spenders.", resp.Owner), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Trusted spenders for %s (%d):\n", resp.Owner, len(resp.Spenders))
	for _, s := range resp.Spenders {
		fmt.Fprintf(&sb, "  - %s\n", s)
	}
	return sb.String(), nil
}

func formatScan(raw json.RawMessage) (string, error) {
	var resp struct {
		Owner string `json:"owner"`
		Token struct {
			Symbol string `json:"symbol"`
		} `json:"token"`
		Summary struct {
			Total    int `json:"total"`
			Risky    int `json:"risky"`
			Infinite int `json:"infinite"`
		} `json:"summary"`
		Results []struct {
			Spender           string  `json:"spender"`
			AllowanceReadable string  `json:"allowanceReadable"`
			IsContract        bool    `json:"isContract"`
			Risk              verdict `json:"risk"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Summary.Total == 0 {
		return fmt.Sprintf("No open %s allowances to trusted spenders for %s.", resp.Token.Symbol, resp.Owner), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s allowances for %s: %d open, %d risky, %d unlimited\n\n",
		resp.Token.Symbol, resp.Owner, resp.Summary.Total, resp.Summary.Risky, resp.Summary.Infinite)
	for i, r := range resp.Results {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, r.Spender)
		fmt.Fprintf(&sb, "   Allowance: %s %s\n", r.AllowanceReadable, resp.Token.Symbol)
		fmt.Fprintf(&sb, "   Risk: %s\n", r.Risk)
	}
	return sb.String(), nil
}

func formatEvents(raw json.RawMessage) (string, error) {
	var resp struct {
		Owner  string `json:"owner"`
		Events []struct {
			Source     string    `json:"source"`
			Spender    string    `json:"spender"`
			Allowance  string    `json:"allowance"`
			IsInfinite bool      `json:"isInfinite"`
			Risk       verdict   `json:"risk"`
			TxHash     string    `json:"txHash"`
			Timestamp  time.Time `json:"timestamp"`
		} `json:"events"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Events) == 0 {
		return fmt.Sprintf("No risk events recorded for %s.", resp.Owner), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Recent risk events for %s (%d):\n\n", resp.Owner, len(resp.Events))
	for i, e := range resp.Events {
		amount := e.Allowance
		if e.IsInfinite {
			amount = "unlimited"
		}
		fmt.Fprintf(&sb, "%d. [%s] %s via %s\n", i+1, e.Timestamp.UTC().Format(time.RFC3339), e.Risk, e.Source)
		fmt.Fprintf(&sb, "   Spender: %s  Allowance: %s\n", e.Spender, amount)
		if e.TxHash != "" {
			fmt.Fprintf(&sb, "   Tx: %s\n", e.TxHash)
		}
	}
	return sb.String(), nil
}
