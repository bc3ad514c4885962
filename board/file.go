package board

import (
	"encoding/json"
	"fmt"
)

type boardFile struct {
	Elements []*Element     `json:"elements"`
	AppState *boardFileView `json:"appState,omitempty"`
}

type boardFileView struct {
	ViewTransform ViewTransform `json:"viewTransform"`
}

// ExportJSON serializes the committed elements plus the view transform.
func ExportJSON(elements []*Element, appState *AppState) ([]byte, error) {
	file := &boardFile{
		Elements: elements,
	}
	if appState != nil {
		file.AppState = &boardFileView{
			ViewTransform: appState.View,
		}
	}
	return json.MarshalIndent(file, "", "  ")
}

// ImportJSON parses an exported board. A missing appState is tolerated
// (elements-only import, nil view). A payload whose `elements` field is
// not an array is rejected outright; nothing is partially applied.
func ImportJSON(data []byte) ([]*Element, *ViewTransform, error) {
	var raw struct {
		Elements json.RawMessage `json:"elements"`
		AppState *boardFileView  `json:"appState"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("malformed board file: %w", err)
	}
	// a json null unmarshals into a nil slice without an error, so it
	// has to be rejected before the decode
	if len(raw.Elements) == 0 || string(raw.Elements) == "null" {
		return nil, nil, fmt.Errorf("board file is missing elements")
	}

	var elements []*Element
	if err := json.Unmarshal(raw.Elements, &elements); err != nil {
		return nil, nil, fmt.Errorf("board file elements must be an array: %w", err)
	}
	for i, element := range elements {
		if element == nil || element.Id == "" {
			return nil, nil, fmt.Errorf("board file element %d is missing an id", i)
		}
	}

	var view *ViewTransform
	if raw.AppState != nil {
		v := raw.AppState.ViewTransform
		view = &v
	}
	return elements, view, nil
}
