// Package action defines the neutral device-action schema shared by the
// worker, the dispatcher, and the backend adapters. Actions are a tagged
// variant: the worker returns Done/Fail/device actions explicitly instead
// of signalling through errors.
package action

import (
	"encoding/json"
	"fmt"
)

// Action type tags as they appear in the wire payload.
const (
	TypeScreenshot   = "screenshot"
	TypeClick        = "click"
	TypeTypeText     = "type"
	TypeDrag         = "drag"
	TypeScroll       = "scroll"
	TypeHotkey       = "hotkey"
	TypeHoldAndPress = "hold_and_press"
	TypeOpen         = "open"
	TypeSwitchApp    = "switch_app"
	TypeWait         = "wait"
	TypeDone         = "done"
	TypeFail         = "fail"
)

// Mouse buttons accepted by Click.
const (
	ButtonLeft   = "left"
	ButtonMiddle = "middle"
	ButtonRight  = "right"
)

// Action is one neutral device action.
type Action interface {
	Type() string
}

// Screenshot captures the current screen.
type Screenshot struct{}

func (Screenshot) Type() string { return TypeScreenshot }

// Click presses a mouse button at a screen position. XY is nil until the
// element description has been grounded.
type Click struct {
	XY                 []int    `json:"xy,omitempty"`
	ElementDescription string   `json:"element_description,omitempty"`
	Button             string   `json:"button,omitempty"`
	Count              int      `json:"count,omitempty"`
	HoldKeys           []string `json:"hold_keys,omitempty"`
}

func (Click) Type() string { return TypeClick }

// TypeText types text, optionally clicking a target field first.
type TypeText struct {
	Text               string `json:"text"`
	XY                 []int  `json:"xy,omitempty"`
	ElementDescription string `json:"element_description,omitempty"`
	Overwrite          bool   `json:"overwrite,omitempty"`
	PressEnter         bool   `json:"press_enter,omitempty"`
}

func (TypeText) Type() string { return TypeTypeText }

// Drag moves the pointer from Start to End with a button held.
type Drag struct {
	Start            []int    `json:"start,omitempty"`
	End              []int    `json:"end,omitempty"`
	StartDescription string   `json:"start_description,omitempty"`
	EndDescription   string   `json:"end_description,omitempty"`
	HoldKeys         []string `json:"hold_keys,omitempty"`
}

func (Drag) Type() string { return TypeDrag }

// Scroll scrolls by a signed number of clicks at a position. Vertical is
// the default axis; horizontal scrolling sets Vertical to false.
type Scroll struct {
	XY                 []int  `json:"xy,omitempty"`
	ElementDescription string `json:"element_description,omitempty"`
	Clicks             int    `json:"clicks"`
	Vertical           bool   `json:"vertical"`
}

func (Scroll) Type() string { return TypeScroll }

// Hotkey presses a key combination simultaneously.
type Hotkey struct {
	Keys []string `json:"keys"`
}

func (Hotkey) Type() string { return TypeHotkey }

// HoldAndPress holds HoldKeys while pressing PressKeys in sequence.
type HoldAndPress struct {
	HoldKeys  []string `json:"hold_keys"`
	PressKeys []string `json:"press_keys"`
}

func (HoldAndPress) Type() string { return TypeHoldAndPress }

// Open launches an application or file by name.
type Open struct {
	AppOrFilename string `json:"app_or_filename"`
}

func (Open) Type() string { return TypeOpen }

// SwitchApp brings an already-running application to the foreground.
type SwitchApp struct {
	AppCode string `json:"app_code"`
}

func (SwitchApp) Type() string { return TypeSwitchApp }

// Wait pauses execution.
type Wait struct {
	Seconds float64 `json:"seconds"`
}

func (Wait) Type() string { return TypeWait }

// Done signals the current subtask is complete.
type Done struct {
	ReturnValue string `json:"return_value,omitempty"`
}

func (Done) Type() string { return TypeDone }

// Fail signals the current subtask cannot be completed.
type Fail struct{}

func (Fail) Type() string { return TypeFail }

var registry = map[string]func() Action{
	TypeScreenshot:   func() Action { return &Screenshot{} },
	TypeClick:        func() Action { return &Click{} },
	TypeTypeText:     func() Action { return &TypeText{} },
	TypeDrag:         func() Action { return &Drag{} },
	TypeScroll:       func() Action { return &Scroll{} },
	TypeHotkey:       func() Action { return &Hotkey{} },
	TypeHoldAndPress: func() Action { return &HoldAndPress{} },
	TypeOpen:         func() Action { return &Open{} },
	TypeSwitchApp:    func() Action { return &SwitchApp{} },
	TypeWait:         func() Action { return &Wait{} },
	TypeDone:         func() Action { return &Done{} },
	TypeFail:         func() Action { return &Fail{} },
}

// Encode marshals an action into its neutral wire form {"type": t, ...params}.
func Encode(a Action) ([]byte, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode %s action: %w", a.Type(), err)
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("encode %s action: %w", a.Type(), err)
	}
	m["type"] = a.Type()
	return json.Marshal(m)
}

// Decode unmarshals a neutral wire payload back into its variant.
func Decode(data []byte) (Action, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	ctor, ok := registry[head.Type]
	if !ok {
		return nil, fmt.Errorf("unknown action type %q", head.Type)
	}
	a := ctor()
	if err := json.Unmarshal(data, a); err != nil {
		return nil, fmt.Errorf("decode %s action: %w", head.Type, err)
	}
	return a, nil
}

// Validate checks parameter ranges before dispatch to a backend.
func Validate(a Action) error {
	switch v := a.(type) {
	case *Click:
		if len(v.XY) != 2 {
			return fmt.Errorf("click requires grounded xy coordinates")
		}
		switch v.Button {
		case "", ButtonLeft, ButtonMiddle, ButtonRight:
		default:
			return fmt.Errorf("unknown mouse button %q", v.Button)
		}
		if v.Count < 0 || v.Count > 3 {
			return fmt.Errorf("click count must be 1..3, got %d", v.Count)
		}
	case *Drag:
		if len(v.Start) != 2 || len(v.End) != 2 {
			return fmt.Errorf("drag requires grounded start and end coordinates")
		}
	case *Scroll:
		if len(v.XY) != 2 {
			return fmt.Errorf("scroll requires grounded xy coordinates")
		}
	case *Hotkey:
		if len(v.Keys) == 0 {
			return fmt.Errorf("hotkey requires at least one key")
		}
	case *HoldAndPress:
		if len(v.PressKeys) == 0 {
			return fmt.Errorf("hold_and_press requires press keys")
		}
	case *Wait:
		if v.Seconds < 0 {
			return fmt.Errorf("wait seconds must be >= 0")
		}
	}
	return nil
}
