// Package protocol defines the JSON shapes exchanged with the workflow
// host over the session WebSocket. Inbound envelopes are classified by
// package router; this package only describes their payloads.
package protocol

// Front-end modes. The host uses the mode to decide whether typed text
// is routed into the workflow graph or answered conversationally.
const (
	ModeAgent = "agent"
	ModeChat  = "chat"
	ModeBuild = "build"
)

// ValidMode reports whether m is one of the known modes.
func ValidMode(m string) bool {
	switch m {
	case ModeAgent, ModeChat, ModeBuild:
		return true
	}
	return false
}

// Outbound message types.
const (
	TypeModeChange       = "mode_change"
	TypeUpdateConfig     = "update_config"
	TypeSelectConfig     = "select_config"
	TypeGetInitialConfig = "get_initial_config"
)

// ModeChange tells the host which mode the front-end switched to.
type ModeChange struct {
	Type string `json:"type"`
	Mode string `json:"mode"`
}

// NewModeChange builds a mode_change envelope.
func NewModeChange(mode string) ModeChange {
	return ModeChange{Type: TypeModeChange, Mode: mode}
}

// UpdateConfig replaces the host's model dataset list and selection.
type UpdateConfig struct {
	Type   string       `json:"type"`
	Config RemoteConfig `json:"config"`
}

// NewUpdateConfig builds an update_config envelope.
func NewUpdateConfig(cfg RemoteConfig) UpdateConfig {
	return UpdateConfig{Type: TypeUpdateConfig, Config: cfg}
}

// SelectConfig switches the host's active model without touching the
// dataset list.
type SelectConfig struct {
	Type   string `json:"type"`
	Config struct {
		SelectedModel string `json:"selected_model"`
	} `json:"config"`
}

// NewSelectConfig builds a select_config envelope.
func NewSelectConfig(model string) SelectConfig {
	s := SelectConfig{Type: TypeSelectConfig}
	s.Config.SelectedModel = model
	return s
}

// GetInitialConfig asks the host to answer with a config_updated event.
type GetInitialConfig struct {
	Type string `json:"type"`
}

// NewGetInitialConfig builds a get_initial_config envelope.
func NewGetInitialConfig() GetInitialConfig {
	return GetInitialConfig{Type: TypeGetInitialConfig}
}

// Dataset is one configured model endpoint on the host.
type Dataset struct {
	Model  string `json:"model"`
	URL    string `json:"url"`
	APIKey string `json:"api_key"`
}

// RemoteConfig is the host's model configuration as last reported.
type RemoteConfig struct {
	Datasets      []Dataset `json:"datasets"`
	SelectedModel string    `json:"selected_model"`
}

// Selected returns the dataset matching SelectedModel.
func (c RemoteConfig) Selected() (Dataset, bool) {
	for _, d := range c.Datasets {
		if d.Model == c.SelectedModel {
			return d, true
		}
	}
	return Dataset{}, false
}

// Upsert replaces the dataset with the same model name or appends d.
func (c *RemoteConfig) Upsert(d Dataset) {
	for i := range c.Datasets {
		if c.Datasets[i].Model == d.Model {
			c.Datasets[i] = d
			return
		}
	}
	c.Datasets = append(c.Datasets, d)
}
