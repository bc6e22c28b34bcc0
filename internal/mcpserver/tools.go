package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the spendgate MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolRequestSpend = mcp.NewTool("request_spend",
	mcp.WithDescription(
		"Ask for permission to spend USDC from your wallet on a purchase. "+
			"The answer is one of: allowed (the money has moved), blocked or declined (with a reason), "+
			"or pending_approval (your owner must approve it; poll get_approval_status). "+
			"Never retry a blocked spend with a smaller amount split into parts."),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in USDC (e.g. '12.50')")),
	mcp.WithString("merchant",
		mcp.Description("Merchant name as shown at checkout")),
	mcp.WithString("resource_url",
		mcp.Description("URL of the product or checkout page")),
	mcp.WithString("product_name",
		mcp.Description("What is being bought, shown to your owner if approval is needed")),
	mcp.WithString("product_locator",
		mcp.Description("Merchant-side product id or SKU")),
	mcp.WithString("description",
		mcp.Description("Why this purchase is needed")),
)

var ToolGetApprovalStatus = mcp.NewTool("get_approval_status",
	mcp.WithDescription(
		"Check whether your owner has approved a purchase that came back pending_approval. "+
			"Status is pending, approved, rejected or expired."),
	mcp.WithString("approval_id",
		mcp.Required(),
		mcp.Description("The approval ID from a request_spend result")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your wallet's current USDC balance and whether it is active or frozen."),
)
