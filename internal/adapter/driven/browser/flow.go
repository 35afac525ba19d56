package browser

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

// LoadFlow reads a YAML login-flow profile and lays it over base. Keys
// absent from the file keep their base values.
func LoadFlow(path string, base Flow) (Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Flow{}, fmt.Errorf("read flow profile: %w", err)
	}

	flow := base
	if err := yaml.Unmarshal(data, &flow); err != nil {
		return Flow{}, fmt.Errorf("parse flow profile %s: %w", path, err)
	}
	if err := flow.validate(); err != nil {
		return Flow{}, fmt.Errorf("validate flow profile %s: %w", path, err)
	}
	return flow, nil
}

func (f Flow) validate() error {
	required := []struct {
		key, value string
	}{
		{"email_selector", f.EmailSelector},
		{"password_selector", f.PasswordSelector},
		{"submit_selector", f.SubmitSelector},
		{"otp_selector", f.OTPSelector},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s must not be empty", r.key)
		}
	}
	return nil
}
