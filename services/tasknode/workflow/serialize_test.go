// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workflow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/datatypes"
)

func TestBuildStartPayloadOrdersSteps(t *testing.T) {
	panels := []datatypes.WorkflowPanel{
		{ID: "p1", Type: "tissue-segmentation", Content: map[string]any{"level": 2}},
		{ID: "p2", Type: "nuclei-segmentation", Content: map[string]any{"model_size": "base"}},
		{ID: "p3", Type: "feature-export", Content: nil},
	}

	payload, err := BuildStartPayload(panels, "/slides/case-17.h5")
	require.NoError(t, err)

	text := string(payload)
	// Wire key order is the step numbering.
	i1 := strings.Index(text, `"step1"`)
	i2 := strings.Index(text, `"step2"`)
	i3 := strings.Index(text, `"step3"`)
	require.True(t, i1 >= 0 && i2 >= 0 && i3 >= 0, "payload missing step keys: %s", text)
	assert.Less(t, i1, i2)
	assert.Less(t, i2, i3)
	assert.Contains(t, text, `"target_path":"/slides/case-17.h5"`)
}

func TestStartPayloadRoundTrip(t *testing.T) {
	panels := []datatypes.WorkflowPanel{
		{ID: "a", Type: "tissue-segmentation", Content: map[string]any{"level": float64(2)}},
		{ID: "b", Type: "nuclei-segmentation", Content: map[string]any{"model_size": "base"}},
	}

	payload, err := BuildStartPayload(panels, "/slides/roundtrip.h5")
	require.NoError(t, err)

	target, steps, err := ParseStartPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, "/slides/roundtrip.h5", target)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].Index)
	assert.Equal(t, "tissue-segmentation", steps[0].Model)
	assert.Equal(t, float64(2), steps[0].Input["level"])
	assert.Equal(t, 2, steps[1].Index)
	assert.Equal(t, "nuclei-segmentation", steps[1].Model)
}

func TestShaperBoundingBoxGroupsRegion(t *testing.T) {
	panel := datatypes.WorkflowPanel{
		ID:   "det",
		Type: "bbox-detection",
		Content: map[string]any{
			"x": 10, "y": 20, "width": 512, "height": 256,
			"threshold": 0.4,
		},
	}

	input := shaperFor("bbox-detection")(panel)
	bbox, ok := input["bbox"].(map[string]any)
	require.True(t, ok, "expected grouped bbox object, got %#v", input)
	assert.Equal(t, 10, bbox["x"])
	assert.Equal(t, 256, bbox["height"])
	assert.Equal(t, 0.4, input["threshold"])
	assert.NotContains(t, input, "x")
}

func TestShaperClassificationDefaultsClasses(t *testing.T) {
	panel := datatypes.WorkflowPanel{ID: "cls", Type: "nuclei-classification", Content: map[string]any{"model": "vit-s"}}

	input := shaperFor("nuclei-classification")(panel)
	classes, ok := input["classes"].([]any)
	require.True(t, ok)
	assert.Empty(t, classes)
	assert.Equal(t, "vit-s", input["model"])
}

func TestShaperUnknownTypeUsesDefault(t *testing.T) {
	panel := datatypes.WorkflowPanel{ID: "x", Type: "some-future-node", Content: map[string]any{"k": "v"}}

	input := shaperFor("some-future-node")(panel)
	assert.Equal(t, map[string]any{"k": "v"}, input)
}

func TestBuildStartPayloadEmptyPanelList(t *testing.T) {
	payload, err := BuildStartPayload(nil, "/slides/none.h5")
	require.NoError(t, err)

	target, steps, err := ParseStartPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, "/slides/none.h5", target)
	assert.Empty(t, steps)
}
