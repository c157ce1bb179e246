package cli

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/alecthomas/kong"
)

// SchemaCmd outputs machine-readable command tree as JSON, for editor
// integrations and scripts that wrap the credential helper.
type SchemaCmd struct {
	Command string `arg:"" optional:"" help:"Command path to show schema for (e.g., 'auth login')"`
}

// SchemaNode represents a node in the command tree
type SchemaNode struct {
	Name     string        `json:"name"`
	Type     string        `json:"type"` // "application", "command", "argument"
	Help     string        `json:"help,omitempty"`
	Aliases  []string      `json:"aliases,omitempty"`
	Children []*SchemaNode `json:"commands,omitempty"`
	Flags    []*SchemaFlag `json:"flags,omitempty"`
	Args     []*SchemaArg  `json:"args,omitempty"`
}

// SchemaFlag represents a command flag
type SchemaFlag struct {
	Name     string   `json:"name"`
	Help     string   `json:"help,omitempty"`
	Type     string   `json:"type"`
	Required bool     `json:"required,omitempty"`
	Default  string   `json:"default,omitempty"`
	Enum     []string `json:"enum,omitempty"`
	Short    string   `json:"short,omitempty"`
	Env      []string `json:"env,omitempty"`
}

// SchemaArg represents a positional argument
type SchemaArg struct {
	Name     string `json:"name"`
	Help     string `json:"help,omitempty"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
}

// Run executes the schema command
func (cmd *SchemaCmd) Run(ctx *kong.Context) error {
	target := ctx.Model.Node
	if cmd.Command != "" {
		var err error
		target, err = findNodeByPath(target, cmd.Command)
		if err != nil {
			return err
		}
	}

	enc := json.NewEncoder(ctx.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(buildSchemaNode(target))
}

// buildSchemaNode recursively builds schema from Kong node. Hidden
// commands and flags are left out.
func buildSchemaNode(node *kong.Node) *SchemaNode {
	schema := &SchemaNode{
		Name:    node.Name,
		Type:    nodeTypeString(node.Type),
		Help:    node.Help,
		Aliases: node.Aliases,
	}

	for _, flag := range node.Flags {
		if flag.Hidden || flag.Name == "help" {
			continue
		}

		schemaFlag := &SchemaFlag{
			Name:     flag.Name,
			Help:     flag.Help,
			Type:     valueType(flag.Value),
			Required: flag.Required,
			Default:  flag.Default,
			Env:      flag.Envs,
		}
		if flag.Short != 0 {
			schemaFlag.Short = string(flag.Short)
		}
		if flag.Enum != "" {
			for _, v := range strings.Split(flag.Enum, ",") {
				if v = strings.TrimSpace(v); v != "" {
					schemaFlag.Enum = append(schemaFlag.Enum, v)
				}
			}
		}

		schema.Flags = append(schema.Flags, schemaFlag)
	}

	for _, arg := range node.Positional {
		schema.Args = append(schema.Args, &SchemaArg{
			Name:     arg.Name,
			Help:     arg.Help,
			Type:     valueType(arg),
			Required: arg.Required,
		})
	}

	for _, child := range node.Children {
		if child.Hidden {
			continue
		}
		schema.Children = append(schema.Children, buildSchemaNode(child))
	}

	return schema
}

func valueType(v *kong.Value) string {
	if v == nil || !v.Target.IsValid() {
		return "string"
	}
	if v.Target.Kind() == reflect.Slice {
		return "[]" + v.Target.Type().Elem().Kind().String()
	}
	return v.Target.Kind().String()
}

// findNodeByPath walks the node tree to find a specific command path
func findNodeByPath(root *kong.Node, path string) (*kong.Node, error) {
	current := root

	for _, part := range strings.Fields(path) {
		var next *kong.Node
		for _, child := range current.Children {
			if child.Name == part {
				next = child
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("command not found: %s", path)
		}
		current = next
	}

	return current, nil
}

// nodeTypeString converts Kong node type to string
func nodeTypeString(t kong.NodeType) string {
	switch t {
	case kong.ApplicationNode:
		return "application"
	case kong.CommandNode:
		return "command"
	case kong.ArgumentNode:
		return "argument"
	default:
		return "unknown"
	}
}
