package opsapi

import (
	"time"

	"github.com/DollhouseMCP/mcp-server-sub009/internal/credential"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/events"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/portfolio"
)

// EventsResponse is the /security/events payload.
type EventsResponse struct {
	Events []events.Event `json:"events"`
	Count  int            `json:"count"`

	// Dropped counts events lost to a full write queue since startup.
	// Nonzero means the audit trail has gaps.
	Dropped uint64 `json:"dropped"`

	ServerTime time.Time `json:"server_time"`
}

// PortfolioStatusResponse is the /portfolio/status payload.
type PortfolioStatusResponse struct {
	portfolio.Report
	ServerTime time.Time `json:"server_time"`
}

// CredentialStatusResponse is the /credential/status payload.
type CredentialStatusResponse struct {
	credential.Status
	ServerTime time.Time `json:"server_time"`
}
