package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"behaviorguard/internal/config"
	"behaviorguard/internal/engine"
	"behaviorguard/internal/model"
	"behaviorguard/internal/policy"
)

type evaluateOutput struct {
	StudentID  string             `json:"student_id"`
	Candidates []model.AlertEvent `json:"candidates"`
	policy.BatchResult
	SettingsErrors []policy.FieldError `json:"settings_errors,omitempty"`
}

func evaluateCmd() *cobra.Command {
	var input, settingsPath, configPath string
	cmd := &cobra.Command{
		Use:     "evaluate",
		Short:   "Run detection and governance once over a student data file",
		Example: "behaviorguard evaluate --input data.json --settings settings.yaml",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			raw, err := readInput(input)
			if err != nil {
				return err
			}
			batch, err := decodeStudentData(raw)
			if err != nil {
				return fmt.Errorf("decode %s: %w", input, err)
			}
			var settings *model.AlertSettings
			if settingsPath != "" {
				s, err := readSettings(settingsPath)
				if err != nil {
					return err
				}
				settings = &s
			}

			ctx := cmd.Context()
			eng := engine.NewEngine(cfg, nil, nil, nil, nil, nil)
			out := make([]evaluateOutput, 0, len(batch))
			for _, data := range batch {
				var errs []policy.FieldError
				if settings != nil {
					_, errs = eng.Policies().SaveSettings(ctx, data.StudentID, *settings)
				}
				candidates := eng.Evaluate(ctx, data, eng.Policies().SettingsFor(ctx, data.StudentID))
				out = append(out, evaluateOutput{
					StudentID:      data.StudentID,
					Candidates:     candidates,
					BatchResult:    eng.Policies().ProcessBatch(ctx, candidates),
					SettingsErrors: errs,
				})
			}
			return writeOutput(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "student data json, or - for stdin")
	cmd.Flags().StringVarP(&settingsPath, "settings", "s", "", "alert settings applied to every student (yaml or json)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (yaml or json)")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func validateSettingsCmd() *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "validate-settings",
		Short: "Normalize alert settings and report invalid fields",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := readSettings(input)
			if err != nil {
				return err
			}
			normalized, errs := policy.ValidateSettings(s, config.DefaultSettings())
			if errs == nil {
				errs = []policy.FieldError{}
			}
			if err := writeOutput(cmd.OutOrStdout(), map[string]any{
				"settings": normalized,
				"errors":   errs,
			}); err != nil {
				return err
			}
			if len(errs) > 0 {
				return fmt.Errorf("%d invalid settings field(s)", len(errs))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "settings file (yaml or json), or - for stdin")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.FromEnv()
	}
	return config.Load(config.ResolvePath(path))
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// decodeStudentData accepts one student object or an array of them.
func decodeStudentData(raw []byte) ([]model.StudentData, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("input is empty")
	}
	var batch []model.StudentData
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, err
		}
	} else {
		var one model.StudentData
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, err
		}
		batch = append(batch, one)
	}
	for i, d := range batch {
		if d.StudentID == "" {
			return nil, fmt.Errorf("entry %d: student_id is required", i)
		}
	}
	return batch, nil
}

// readSettings decodes json or yaml; both map onto the same tags.
func readSettings(path string) (model.AlertSettings, error) {
	var s model.AlertSettings
	raw, err := readInput(path)
	if err != nil {
		return s, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		err = json.Unmarshal(raw, &s)
	} else {
		err = yaml.Unmarshal(raw, &s)
	}
	if err != nil {
		return s, fmt.Errorf("decode settings %s: %w", path, err)
	}
	return s, nil
}

func writeOutput(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
