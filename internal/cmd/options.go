package cmd

// Options represents the command's console arguments. Per the CLI contract,
// the proxy takes a single required positional config-path argument; the
// remaining fields are conveniences layered on top of it.
type Options struct {
	// Verbose forces the DEBUG log level regardless of the config file's
	// log.level setting. With log.level "off" the log output is discarded,
	// so this flag then has no visible effect.
	Verbose bool `long:"verbose" description:"Verbose output (optional), overrides log.level from the config file" optional:"yes" optional-value:"true"`

	// Args holds the positional arguments; ConfigPath is required.
	Args struct {
		ConfigPath string `positional-arg-name:"config-path" description:"Path to the JSON configuration file"`
	} `positional-args:"yes" required:"yes"`
}
