package main

import (
	"errors"
	"fmt"

	"github.com/songzhibin97/careflow/catalog"
	"github.com/songzhibin97/careflow/rules"
	"github.com/songzhibin97/careflow/types"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [path...]",
	Short: "Validate template files",
	Long: `Validates template documents (JSON or YAML, a single template or a
{"templates": [...]} catalog) against the template schema and the structural
rules. Directories are walked. Without arguments the built-in catalog and the
decision rules of the config file are checked.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		tpls, err := catalog.Builtin()
		if err != nil {
			return err
		}
		printTemplates(cmd, "built-in catalog", tpls)

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := rules.NewExprDecider(nil, cfg.Decisions.Rules).Validate(); err != nil {
			return err
		}
		fmt.Fprintf(out, "%d decision rule sets compile\n", len(cfg.Decisions.Rules))
		return nil
	}

	var failed int
	for _, path := range args {
		tpls, err := catalog.LoadPath(path)
		if err != nil {
			failed++
			var verr *catalog.ValidationError
			if errors.As(err, &verr) {
				fmt.Fprintf(out, "%s: template %s is invalid:\n", path, verr.TemplateID)
				for _, p := range verr.Problems {
					fmt.Fprintf(out, "  - %s\n", p)
				}
				continue
			}
			fmt.Fprintf(out, "%s: %v\n", path, err)
			continue
		}
		printTemplates(cmd, path, tpls)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d paths failed validation", failed, len(args))
	}
	return nil
}

func printTemplates(cmd *cobra.Command, source string, tpls []types.Template) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d valid templates\n", source, len(tpls))
	for _, tpl := range tpls {
		fmt.Fprintf(out, "  %-28s %-8s %d blocks, triggers %v\n", tpl.ID, tpl.Type, len(tpl.Blocks), tpl.TriggerEvents())
	}
}
