package store

import "time"

// Run is one bypass attempt as recorded in the history.
type Run struct {
	ID        string        `json:"id"`
	PortalURL string        `json:"portal_url"`
	Backend   string        `json:"backend"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Succeeded bool          `json:"succeeded"`
	// EndedIn is the last phase the run reached before its terminal state.
	EndedIn         string `json:"ended_in"`
	NavigationError string `json:"navigation_error,omitempty"`
	CheckboxClicks  int    `json:"checkbox_clicks"`
	ButtonKeyword   string `json:"button_keyword,omitempty"`
	LookupFailures  int    `json:"lookup_failures"`
	Error           string `json:"error,omitempty"`
	// PortalText is the portal page text after interaction, kept for failed runs only.
	PortalText string `json:"portal_text,omitempty"`
}
