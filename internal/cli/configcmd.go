package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/semmy-space/gitauth/internal/config"
	"github.com/semmy-space/gitauth/internal/output"
)

// ConfigGetCmd implements config get command
type ConfigGetCmd struct {
	Key string `arg:"" help:"Config key to get (e.g., github_client_id, callback_port)" predictor:"config_key"`
}

// Run executes the get command
func (cmd *ConfigGetCmd) Run(cfg *config.Config) error {
	value, err := cfg.Get(cmd.Key)
	if err != nil {
		return &output.CLIError{
			Message:  err.Error(),
			ExitCode: output.ExitNotFound,
		}
	}

	fmt.Println(value)
	return nil
}

// ConfigSetCmd implements config set command
type ConfigSetCmd struct {
	Key   string `arg:"" help:"Config key to set" predictor:"config_key"`
	Value string `arg:"" help:"Value to set"`
}

// Run executes the set command
func (cmd *ConfigSetCmd) Run(cfg *config.Config) error {
	if _, err := cfg.Get(cmd.Key); err != nil {
		return &output.CLIError{
			Message:  err.Error(),
			ExitCode: output.ExitUsage,
		}
	}

	if isSecretKey(cmd.Key) {
		fmt.Fprintf(os.Stderr, "Note: %s is stored in the config file. Set %s instead to keep it out of the file.\n", cmd.Key, secretEnv(cmd.Key))
	}

	if err := cfg.Set(cmd.Key, cmd.Value); err != nil {
		return &output.CLIError{
			Message:  fmt.Sprintf("Failed to set config: %v", err),
			ExitCode: output.ExitConfigError,
		}
	}

	shown := cmd.Value
	if isSecretKey(cmd.Key) {
		shown = output.MaskSecret(shown)
	}
	fmt.Fprintf(os.Stderr, "Set %s = %s\n", cmd.Key, shown)
	return nil
}

// ConfigUnsetCmd implements config unset command
type ConfigUnsetCmd struct {
	Key string `arg:"" help:"Config key to remove" predictor:"config_key"`
}

// Run executes the unset command
func (cmd *ConfigUnsetCmd) Run(cfg *config.Config) error {
	if err := cfg.Unset(cmd.Key); err != nil {
		if _, getErr := cfg.Get(cmd.Key); getErr != nil {
			return &output.CLIError{
				Message:  getErr.Error(),
				ExitCode: output.ExitUsage,
			}
		}
		return &output.CLIError{
			Message:  fmt.Sprintf("Failed to unset config: %v", err),
			ExitCode: output.ExitGeneral,
		}
	}

	fmt.Fprintf(os.Stderr, "Unset %s\n", cmd.Key)
	return nil
}

// ConfigListConfigCmd implements config list command
type ConfigListConfigCmd struct{}

type configItem struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Run executes the list command
func (cmd *ConfigListConfigCmd) Run(cfg *config.Config, fp *FormatterProvider) error {
	return fp.Formatter.PrintList(configItems(cfg), []output.Column{
		{Name: "KEY", Key: "Key"},
		{Name: "VALUE", Key: "Value"},
	})
}

func configItems(cfg *config.Config) []configItem {
	keys := config.Keys()
	items := make([]configItem, 0, len(keys))
	for _, key := range keys {
		value, _ := cfg.Get(key)
		if isSecretKey(key) {
			value = output.MaskSecret(value)
		}
		items = append(items, configItem{Key: key, Value: value})
	}
	return items
}

func isSecretKey(key string) bool {
	return strings.HasSuffix(key, "_secret")
}

func secretEnv(key string) string {
	return "GITAUTH_" + strings.ToUpper(key)
}

// ConfigPathCmd implements config path command
type ConfigPathCmd struct{}

// Run executes the path command
func (cmd *ConfigPathCmd) Run(cfg *config.Config) error {
	path := cfg.Path()

	fmt.Println(path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "(file does not exist yet - will be created on first write)\n")
	} else {
		fmt.Fprintf(os.Stderr, "(file exists)\n")
	}

	return nil
}
