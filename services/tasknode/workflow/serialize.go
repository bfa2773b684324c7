// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/datatypes"
)

// Shaper adapts a panel's generic parameter set into the step input
// for its node type, attaching type-specific required fields.
type Shaper func(panel datatypes.WorkflowPanel) map[string]any

// shapers is the tagged-variant lookup table keyed by node type.
// Unrecognized types take defaultShaper — an explicit default that
// still serializes the generic parameter set, never a silent no-op.
var shapers = map[string]Shaper{
	"bbox-detection":        shapeBoundingBox,
	"nuclei-classification": shapeClassification,
}

func shaperFor(nodeType string) Shaper {
	if shape, ok := shapers[nodeType]; ok {
		return shape
	}
	return defaultShaper
}

// defaultShaper copies the generic parameter set through untouched.
func defaultShaper(panel datatypes.WorkflowPanel) map[string]any {
	input := make(map[string]any, len(panel.Content))
	for key, value := range panel.Content {
		input[key] = value
	}
	return input
}

// shapeBoundingBox groups the detection region parameters under a
// "bbox" object the detection nodes require, leaving the remaining
// parameters generic.
func shapeBoundingBox(panel datatypes.WorkflowPanel) map[string]any {
	input := make(map[string]any, len(panel.Content))
	bbox := make(map[string]any, 4)
	for key, value := range panel.Content {
		switch key {
		case "x", "y", "width", "height":
			bbox[key] = value
		default:
			input[key] = value
		}
	}
	if len(bbox) > 0 {
		input["bbox"] = bbox
	}
	return input
}

// shapeClassification carries the declared class list under the
// "classes" key the classification nodes require. A missing list
// serializes as empty rather than absent so the backend's validation
// reports it instead of defaulting silently.
func shapeClassification(panel datatypes.WorkflowPanel) map[string]any {
	input := defaultShaper(panel)
	if _, ok := input["classes"]; !ok {
		input["classes"] = []any{}
	}
	return input
}

// Step is one serialized workflow step.
type Step struct {
	// Index is the 1-based step number, which is the panel's position
	// in the user-ordered list.
	Index int `json:"-"`

	Model string         `json:"model"`
	Input map[string]any `json:"input"`
}

// BuildStartPayload compiles the user-ordered panel list into the
// workflow start payload: target_path plus step1..stepN keys in panel
// order. Steps are written in order explicitly — JSON object key order
// is the step numbering's wire representation and must not depend on
// map iteration.
func BuildStartPayload(panels []datatypes.WorkflowPanel, targetPath string) (json.RawMessage, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	target, err := json.Marshal(targetPath)
	if err != nil {
		return nil, err
	}
	buf.WriteString(`"target_path":`)
	buf.Write(target)

	for i, panel := range panels {
		step := Step{
			Model: panel.Type,
			Input: shaperFor(panel.Type)(panel),
		}
		encoded, err := json.Marshal(step)
		if err != nil {
			return nil, fmt.Errorf("serialize step %d (%s): %w", i+1, panel.Type, err)
		}
		fmt.Fprintf(&buf, `,"step%d":`, i+1)
		buf.Write(encoded)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ParseStartPayload decodes a start payload back into its target path
// and ordered steps. Used by the round-trip tests and the CLI's
// dry-run output.
func ParseStartPayload(payload json.RawMessage) (string, []Step, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return "", nil, err
	}

	var targetPath string
	if encoded, ok := raw["target_path"]; ok {
		if err := json.Unmarshal(encoded, &targetPath); err != nil {
			return "", nil, err
		}
	}

	var steps []Step
	for key, encoded := range raw {
		if !strings.HasPrefix(key, "step") {
			continue
		}
		index, err := strconv.Atoi(key[len("step"):])
		if err != nil {
			continue
		}
		var step Step
		if err := json.Unmarshal(encoded, &step); err != nil {
			return "", nil, fmt.Errorf("decode %s: %w", key, err)
		}
		step.Index = index
		steps = append(steps, step)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Index < steps[j].Index })
	return targetPath, steps, nil
}
