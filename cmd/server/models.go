package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Mryrghb/todosWithLesan/internal/docstore/memory"
	"github.com/Mryrghb/todosWithLesan/internal/logger"
	"github.com/Mryrghb/todosWithLesan/internal/metadata"
	"github.com/Mryrghb/todosWithLesan/internal/todo"
)

type reverseInfo struct {
	Name   string `yaml:"name"`
	Source string `yaml:"source"`
	Via    string `yaml:"via"`
	Limit  int    `yaml:"limit,omitempty"`
	Sort   string `yaml:"sort"`
}

type typeInfo struct {
	Name      string                  `yaml:"name"`
	Fields    []metadata.Field        `yaml:"fields,omitempty"`
	Relations []metadata.RelationSpec `yaml:"relations,omitempty"`
	Reverses  []reverseInfo           `yaml:"reverses,omitempty"`
	Actions   []string                `yaml:"actions,omitempty"`
}

// newModelsCmd prints the resolved entity types, with their reverse
// relations and actions, without opening a store.
func newModelsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "Print the registered entity types and actions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			app, err := todo.New(memory.New(), todo.Options{JWTSecret: cfg.JWTSecret}, logger.NewNoopLogger())
			if err != nil {
				return err
			}

			actions := map[string][]string{}
			for _, a := range app.Actions.Actions() {
				actions[a.Schema] = append(actions[a.Schema], a.Name)
			}

			var out []typeInfo
			for _, typ := range app.Registry.Types() {
				info := typeInfo{Name: typ.Name, Fields: typ.Fields, Relations: typ.Relations, Actions: actions[typ.Name]}
				for _, rev := range typ.Reverses() {
					sort := rev.Sort.Field
					if rev.Sort.Descending() {
						sort = "-" + sort
					}
					info.Reverses = append(info.Reverses, reverseInfo{
						Name: rev.Name, Source: rev.Source, Via: rev.Relation, Limit: rev.Limit, Sort: sort,
					})
				}
				out = append(out, info)
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(map[string]any{"models": out}); err != nil {
				return fmt.Errorf("encode models: %w", err)
			}
			return enc.Close()
		},
	}
}
