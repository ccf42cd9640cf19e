package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestModelsCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"models", "--config", t.TempDir()})
	require.NoError(t, cmd.Execute())

	var doc struct {
		Models []typeInfo `yaml:"models"`
	}
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &doc))
	require.Len(t, doc.Models, 4)

	user := doc.Models[0]
	require.Equal(t, "user", user.Name)
	require.Equal(t, []reverseInfo{{Name: "todos", Source: "todo", Via: "user", Limit: 5, Sort: "-_id"}}, user.Reverses)
	require.Contains(t, user.Actions, "addUser")
	require.Contains(t, doc.Models[3].Actions, "updateCategoryTodo")
}

func TestRunRejectsUnknownDriver(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"run", "--config", t.TempDir(), "--driver", "oracle"})
	require.Error(t, cmd.Execute())
}
