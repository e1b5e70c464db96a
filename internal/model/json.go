package model

import (
	"encoding/json"

	"github.com/nugget/sentryd/internal/condeval"
)

// MarshalJSON flattens Action into {"type": ..., <fields>...} to match the
// wire shape of a typed action object.
func (a Action) MarshalJSON() ([]byte, error) {
	out := map[string]any{"type": a.Type}
	for k, v := range a.Fields {
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits a typed action object back into Type and Fields.
func (a *Action) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t, _ := raw["type"].(string)
	a.Type = t
	delete(raw, "type")
	a.Fields = raw
	return nil
}

// Definition is the on-the-wire/stored shape of a rule's condition tree
// plus action list: {"when": <node>, "then": [<action>, ...]}.
type Definition struct {
	When *condeval.Node `json:"when"`
	Then []Action       `json:"then"`
}
