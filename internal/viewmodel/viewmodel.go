package viewmodel

// IndexPage holds data for the live feed page.
type IndexPage struct {
	Title       string
	Device      string
	Baud        int
	SocketPath  string
	EventsPath  string
	Frame       string
	Subscribers int
}

// Status is the JSON body served by /status.
type Status struct {
	Device        string `json:"device"`
	Baud          int    `json:"baud"`
	Subscribers   int    `json:"subscribers"`
	StartedAt     string `json:"started_at"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}
