package domain

// HubStats provides statistics about the hub
type HubStats struct {
	ConnectedClients int     `json:"connected_clients"`
	PresentUsers     int     `json:"present_users"`
	MessagesSent     int64   `json:"messages_sent"`
	SendFailures     int64   `json:"send_failures"`
	Uptime           float64 `json:"uptime_seconds"`
}
