// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActivationStateString(t *testing.T) {
	cases := map[ActivationState]string{
		StateUnregistered:   "unregistered",
		StateInactive:       "inactive",
		StateActivating:     "activating",
		StateRunning:        "running",
		StateFailed:         "failed",
		ActivationState(99): "unknown",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}

func TestDefaultEnvName(t *testing.T) {
	cases := map[string]string{
		"GPT-seg":           "gpt-seg_env",
		"Nuclei Classifier": "nuclei_classifier_env",
		"  Trimmed  ":       "trimmed_env",
	}
	for node, want := range cases {
		assert.Equal(t, want, DefaultEnvName(node))
	}
	// Deterministic: repeated derivation targets the same environment.
	assert.Equal(t, DefaultEnvName("GPT-seg"), DefaultEnvName("GPT-seg"))
}

func TestRuntimeDescriptorIsScript(t *testing.T) {
	assert.True(t, RuntimeDescriptor{ServicePath: "/models/seg/serve.py"}.IsScript())
	assert.False(t, RuntimeDescriptor{ServicePath: "/models/seg/serve"}.IsScript())
}

func TestRegistrationRequestValidate(t *testing.T) {
	valid := RegistrationRequest{
		ModelName:   "GPT-seg",
		ServicePath: "/models/gpt-seg/serve.py",
		EnvName:     "gpt-seg_env",
		Port:        8744,
	}
	assert.NoError(t, valid.Validate())

	noService := valid
	noService.ServicePath = ""
	assert.Error(t, noService.Validate())

	badPort := valid
	badPort.Port = 70000
	assert.Error(t, badPort.Validate())
}
