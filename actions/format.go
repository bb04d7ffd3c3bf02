package actions

// Outbound message bodies. Timestamps are ISO-8601 UTC with a space in place
// of the "T".

type rawMessage struct {
	Type      string  `json:"type"`
	Location  string  `json:"location"`
	Timestamp string  `json:"timestamp"`
	Value     float64 `json:"value"`
}

type aggregateMessage struct {
	Type      string  `json:"type"`
	Location  string  `json:"location"`
	Timestamp string  `json:"timestamp"`
	Minimum   float64 `json:"minimum"`
	Maximum   float64 `json:"maximum"`
	Average   float64 `json:"average"`
}

type rasMessage struct {
	Event        string `json:"event"`
	InstanceData string `json:"instanceData"`
	Location     string `json:"location"`
	Timestamp    string `json:"timestamp"`
}

type bootMessage struct {
	Event     string `json:"event"`
	Location  string `json:"location"`
	Timestamp string `json:"timestamp"`
}
