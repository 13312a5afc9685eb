package protocol

// Status reports the host's queue state. Sent on connect and whenever
// the queue changes.
type Status struct {
	Status struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
	SID string `json:"sid"`
}

// Executing names the graph node currently running. Node is empty when
// the host goes idle.
type Executing struct {
	Node     string `json:"node"`
	PromptID string `json:"prompt_id"`
}

// ChatMessage is a message produced by the workflow for the chat pane.
type ChatMessage struct {
	Text      string `json:"text"`
	IsUser    bool   `json:"isUser"`
	ImageData string `json:"imageData,omitempty"` // base64, optional data: prefix
}

// ImageAck acknowledges an uploaded image.
type ImageAck struct {
	Success bool `json:"success"`
}

// ConfigUpdate answers update_config, select_config and
// get_initial_config requests.
type ConfigUpdate struct {
	Success       *bool         `json:"success"`
	Config        *RemoteConfig `json:"config"`
	SelectedModel string        `json:"selected_model"`
	Error         string        `json:"error"`
}

// OK reports success; a missing success field counts as success.
func (c ConfigUpdate) OK() bool {
	return c.Success == nil || *c.Success
}

// ModeChanged confirms a mode_change.
type ModeChanged struct {
	Mode string `json:"mode"`
}
