package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Command is a shell command override. The zero value selects the driver default,
// a boolean false disables the operation, and any string replaces the default.
type Command struct {
	Template string
	Disabled bool
}

// DisabledCommand returns a Command that turns the operation off.
func DisabledCommand() Command { return Command{Disabled: true} }

// CustomCommand returns a Command overriding the default template.
func CustomCommand(template string) Command { return Command{Template: template} }

// IsDefault reports whether the driver default should be used.
func (c Command) IsDefault() bool {
	return !c.Disabled && strings.TrimSpace(c.Template) == ""
}

func (c *Command) set(value any) error {
	switch v := value.(type) {
	case nil:
		*c = Command{}
	case bool:
		if v {
			return fmt.Errorf("command must be a string or false")
		}
		*c = DisabledCommand()
	default:
		s, err := cast.ToStringE(v)
		if err != nil {
			return fmt.Errorf("command: %w", err)
		}
		return c.UnmarshalText([]byte(s))
	}
	return nil
}

// UnmarshalText handles env values, where the literal "false" disables the command.
func (c *Command) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	switch strings.ToLower(s) {
	case "":
		*c = Command{}
	case "false":
		*c = DisabledCommand()
	default:
		*c = CustomCommand(s)
	}
	return nil
}

// MarshalText is the inverse of UnmarshalText.
func (c Command) MarshalText() ([]byte, error) {
	if c.Disabled {
		return []byte("false"), nil
	}
	return []byte(c.Template), nil
}

func (c *Command) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return c.set(raw)
}

func (c *Command) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return c.set(raw)
}

func (c *Command) UnmarshalTOML(value any) error {
	return c.set(value)
}
