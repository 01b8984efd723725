package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the wallet-guard MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

func ownerArg() mcp.ToolOption {
	return mcp.WithString("owner",
		mcp.Description("Wallet address whose approvals are guarded (0x + 40 hex chars). Defaults to the configured owner."))
}

var ToolGetWhitelist = mcp.NewTool("get_whitelist",
	mcp.WithDescription(
		"List the spender addresses an owner has marked as trusted. "+
			"Approvals to spenders outside this list are flagged as risky."),
	ownerArg(),
)

var ToolAddTrustedSpender = mcp.NewTool("add_trusted_spender",
	mcp.WithDescription(
		"Add a spender contract to an owner's trusted list. "+
			"Only do this for contracts the owner intends to interact with."),
	ownerArg(),
	mcp.WithString("spender",
		mcp.Required(),
		mcp.Description("Spender address to trust (e.g. a DEX router)")),
)

var ToolRemoveTrustedSpender = mcp.NewTool("remove_trusted_spender",
	mcp.WithDescription(
		"Remove a spender from an owner's trusted list. Removing an absent spender is not an error."),
	ownerArg(),
	mcp.WithString("spender",
		mcp.Required(),
		mcp.Description("Spender address to stop trusting")),
)

var ToolScanAllowances = mcp.NewTool("scan_allowances",
	mcp.WithDescription(
		"Read the live token allowance the owner has granted to each trusted spender and classify it. "+
			"Reports unlimited approvals and spenders without contract code."),
	ownerArg(),
)

var ToolRecentRiskEvents = mcp.NewTool("recent_risk_events",
	mcp.WithDescription(
		"Show the most recent risky approvals observed for an owner, newest first."),
	ownerArg(),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of events to return (default 10)")),
)

var ToolWatchOwner = mcp.NewTool("watch_owner",
	mcp.WithDescription(
		"Start live monitoring of an owner's approvals, or stop it with stop=true. "+
			"While monitoring, new approvals are classified as they are mined."),
	ownerArg(),
	mcp.WithBoolean("stop",
		mcp.Description("Stop monitoring instead of starting it")),
)
