package config

// Holder pairs the resolved config with the file it was loaded from. Commands
// read settings through it and write edits back to Path.
type Holder struct {
	cfg  *Config
	path string
}

// NewHolder creates a Holder. path may name a file that does not exist yet.
func NewHolder(cfg *Config, path string) *Holder {
	return &Holder{cfg: cfg, path: path}
}

// Config returns the resolved config.
func (h *Holder) Config() *Config {
	return h.cfg
}

// Path returns the config file path.
func (h *Holder) Path() string {
	return h.path
}
