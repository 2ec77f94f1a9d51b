package action

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// The action generator replies with prose sections followed by a grounded
// pseudocode call. Parsing is deliberately lenient: models wrap the call in
// varying fences and quote styles, and a parse failure must never crash a
// task.

var (
	fenceRe     = regexp.MustCompile("(?s)```(?:\\w+\\s+)?(.*?)```")
	methodRe    = regexp.MustCompile(`(\w+\.\w+\((?:[^()]*|\([^()]*\))*\))`)
	agentCallRe = regexp.MustCompile(`agent\.[a-zA-Z_]+\((?:[^()'"]|'[^']*'|"[^"]*")*\)`)
)

const groundedMarker = "Grounded Action"

// Call is a parsed pseudocode invocation like click("File menu", 1, "left").
type Call struct {
	Name   string
	Args   []any
	Kwargs map[string]any
}

// Parse extracts the grounded pseudocode call from a raw generator reply
// and converts it into an Action.
func Parse(text string) (Action, error) {
	code := ExtractCode(sectionAfterMarker(text))
	switch code {
	case "WAIT":
		return &Wait{Seconds: 5}, nil
	case "DONE":
		return &Done{}, nil
	case "FAIL":
		return &Fail{}, nil
	}

	if m := agentCallRe.FindString(code); m != "" {
		code = m
	}
	call, err := ParseCall(code)
	if err != nil {
		return nil, err
	}
	return call.ToAction()
}

// sectionAfterMarker returns everything after the last grounded-action
// marker, or the whole text when the marker is absent. Models write the
// marker as "(Grounded Action)" or "Grounded Action:", so the closing
// parenthesis and colon are trimmed off the section.
func sectionAfterMarker(text string) string {
	idx := strings.LastIndex(text, groundedMarker)
	if idx < 0 {
		return text
	}
	rest := text[idx+len(groundedMarker):]
	rest = strings.TrimLeft(rest, " \t")
	rest = strings.TrimPrefix(rest, ")")
	rest = strings.TrimPrefix(rest, ":")
	return rest
}

// ExtractCode pulls the single code payload out of a reply: a bare
// WAIT/DONE/FAIL word, the first fenced block, the first method call, or
// the first non-empty line, in that order.
func ExtractCode(text string) string {
	text = strings.TrimSpace(text)
	if text == "WAIT" || text == "DONE" || text == "FAIL" {
		return text
	}

	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		block := strings.TrimSpace(m[1])
		if block == "" {
			continue
		}
		lines := strings.Split(block, "\n")
		last := strings.TrimSpace(lines[len(lines)-1])
		if last == "WAIT" || last == "DONE" || last == "FAIL" {
			if len(lines) == 1 {
				return last
			}
			// A trailing terminator after real code: prefer the code.
			return strings.TrimSpace(strings.Join(lines[:len(lines)-1], "\n"))
		}
		return block
	}

	if m := methodRe.FindString(text); m != "" {
		return m
	}
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return "FAIL"
}

// ParseCall parses a single name(args...) invocation. The leading "agent."
// receiver is optional.
func ParseCall(code string) (*Call, error) {
	code = strings.TrimSpace(code)
	open := strings.IndexByte(code, '(')
	if open < 0 || !strings.HasSuffix(code, ")") {
		return nil, fmt.Errorf("not a call expression: %q", truncate(code, 80))
	}
	name := strings.TrimSpace(code[:open])
	name = strings.TrimPrefix(name, "agent.")
	if name == "" {
		return nil, fmt.Errorf("call has no function name: %q", truncate(code, 80))
	}

	argSrc := code[open+1 : len(code)-1]
	parts, err := splitTopLevel(argSrc)
	if err != nil {
		return nil, fmt.Errorf("parse args of %s: %w", name, err)
	}

	call := &Call{Name: name, Kwargs: map[string]any{}}
	for _, part := range parts {
		if key, rest, ok := splitKwarg(part); ok {
			v, err := parseValue(rest)
			if err != nil {
				return nil, fmt.Errorf("parse %s=%q: %w", key, truncate(rest, 40), err)
			}
			call.Kwargs[key] = v
			continue
		}
		if len(call.Kwargs) > 0 {
			return nil, fmt.Errorf("positional argument after keyword in %s", name)
		}
		v, err := parseValue(part)
		if err != nil {
			return nil, fmt.Errorf("parse argument %q: %w", truncate(part, 40), err)
		}
		call.Args = append(call.Args, v)
	}
	return call, nil
}

// splitTopLevel splits an argument list on commas outside quotes and
// brackets.
func splitTopLevel(src string) ([]string, error) {
	var parts []string
	var depth int
	var quote byte
	start := 0
	for i := 0; i < len(src); i++ {
		c := src[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '[', '(':
			depth++
		case ']', ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced brackets")
			}
		case ',':
			if depth == 0 {
				parts = append(parts, src[start:i])
				start = i + 1
			}
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated string")
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced brackets")
	}
	if rest := strings.TrimSpace(src[start:]); rest != "" {
		parts = append(parts, rest)
	}
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// splitKwarg detects name=value, distinguishing it from == or quoted text.
func splitKwarg(part string) (key, rest string, ok bool) {
	eq := -1
	var quote byte
	for i := 0; i < len(part); i++ {
		c := part[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		if c == '"' || c == '\'' {
			quote = c
			continue
		}
		if c == '=' {
			if i+1 < len(part) && part[i+1] == '=' {
				return "", "", false
			}
			eq = i
			break
		}
	}
	if eq <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(part[:eq])
	for _, r := range key {
		if !isIdentRune(r) {
			return "", "", false
		}
	}
	return key, strings.TrimSpace(part[eq+1:]), true
}

func isIdentRune(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// parseValue converts one pseudocode literal into a Go value. Bare words
// fall back to strings so unquoted enum arguments survive.
func parseValue(src string) (any, error) {
	src = strings.TrimSpace(src)
	switch {
	case src == "":
		return nil, fmt.Errorf("empty value")
	case src == "None" || src == "null":
		return nil, nil
	case src == "True" || src == "true":
		return true, nil
	case src == "False" || src == "false":
		return false, nil
	}
	if strings.HasPrefix(src, `"""`) && strings.HasSuffix(src, `"""`) && len(src) >= 6 {
		return src[3 : len(src)-3], nil
	}
	if (src[0] == '"' || src[0] == '\'') && len(src) >= 2 && src[len(src)-1] == src[0] {
		return unescape(src[1 : len(src)-1]), nil
	}
	if src[0] == '[' && src[len(src)-1] == ']' {
		items, err := splitTopLevel(src[1 : len(src)-1])
		if err != nil {
			return nil, err
		}
		list := make([]any, 0, len(items))
		for _, it := range items {
			v, err := parseValue(it)
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		return list, nil
	}
	if f, err := strconv.ParseFloat(src, 64); err == nil {
		return f, nil
	}
	return src, nil
}

func unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(s[i])
			}
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// ToAction maps a parsed call onto the neutral action schema.
func (c *Call) ToAction() (Action, error) {
	switch c.Name {
	case "click":
		a := &Click{Button: ButtonLeft, Count: 1}
		// First argument is either literal coordinates or an element
		// description that still needs grounding.
		if xy, ok := c.xyPair(0, "xy"); ok {
			a.XY = xy
		} else {
			a.ElementDescription = c.str(0, "element_description")
		}
		if n, ok := c.num(1, "num_clicks"); ok {
			a.Count = n
		}
		if s := c.str(2, "button_type"); s != "" {
			a.Button = s
		}
		a.HoldKeys = c.strList(3, "hold_keys")
		if len(a.XY) == 0 && a.ElementDescription == "" {
			return nil, fmt.Errorf("click requires coordinates or an element description")
		}
		return a, nil
	case "type":
		a := &TypeText{}
		// Two positional strings mean (element_description, text); a single
		// one is the text itself.
		if len(c.Args) >= 2 {
			a.ElementDescription = c.str(0, "")
			a.Text = c.str(1, "text")
		} else {
			a.Text = c.str(0, "text")
		}
		if s := c.str(-1, "element_description"); s != "" {
			a.ElementDescription = s
		}
		a.Overwrite = c.boolKw("overwrite")
		a.PressEnter = c.boolKw("enter") || c.boolKw("press_enter")
		return a, nil
	case "scroll":
		a := &Scroll{Vertical: true}
		if xy, ok := c.xyPair(0, "xy"); ok {
			a.XY = xy
		} else {
			a.ElementDescription = c.str(0, "element_description")
		}
		if n, ok := c.num(1, "clicks"); ok {
			a.Clicks = n
		}
		if c.boolKw("shift") {
			a.Vertical = false
		}
		if len(a.XY) == 0 && a.ElementDescription == "" {
			return nil, fmt.Errorf("scroll requires coordinates or an element description")
		}
		return a, nil
	case "drag_and_drop", "drag":
		a := &Drag{}
		a.StartDescription = c.str(0, "starting_description")
		a.EndDescription = c.str(1, "ending_description")
		a.HoldKeys = c.strList(2, "hold_keys")
		if a.StartDescription == "" || a.EndDescription == "" {
			return nil, fmt.Errorf("drag requires start and end descriptions")
		}
		return a, nil
	case "hotkey":
		keys := c.strList(0, "keys")
		if len(keys) == 0 {
			// Variadic form: hotkey("ctrl", "c").
			for i := range c.Args {
				if s := c.str(i, ""); s != "" {
					keys = append(keys, s)
				}
			}
		}
		if len(keys) == 0 {
			return nil, fmt.Errorf("hotkey requires keys")
		}
		return &Hotkey{Keys: keys}, nil
	case "hold_and_press":
		a := &HoldAndPress{
			HoldKeys:  c.strList(0, "hold_keys"),
			PressKeys: c.strList(1, "press_keys"),
		}
		if len(a.PressKeys) == 0 {
			return nil, fmt.Errorf("hold_and_press requires press keys")
		}
		return a, nil
	case "open":
		name := c.str(0, "app_or_filename")
		if name == "" {
			return nil, fmt.Errorf("open requires an application or file name")
		}
		return &Open{AppOrFilename: name}, nil
	case "switch_applications", "switch_app":
		code := c.str(0, "app_code")
		if code == "" {
			return nil, fmt.Errorf("switch_app requires an app code")
		}
		return &SwitchApp{AppCode: code}, nil
	case "wait":
		secs := 1.0
		if f, ok := c.float(0, "time"); ok {
			secs = f
		} else if f, ok := c.float(0, "seconds"); ok {
			secs = f
		}
		return &Wait{Seconds: secs}, nil
	case "done":
		return &Done{ReturnValue: c.str(0, "return_value")}, nil
	case "fail":
		return &Fail{}, nil
	default:
		return nil, fmt.Errorf("unknown agent function %q", c.Name)
	}
}

// str returns the string at positional index pos (or kwarg kw), "" if absent.
func (c *Call) str(pos int, kw string) string {
	if v, ok := c.lookup(pos, kw); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (c *Call) num(pos int, kw string) (int, bool) {
	if v, ok := c.lookup(pos, kw); ok {
		if f, ok := v.(float64); ok {
			return int(f), true
		}
	}
	return 0, false
}

func (c *Call) float(pos int, kw string) (float64, bool) {
	if v, ok := c.lookup(pos, kw); ok {
		if f, ok := v.(float64); ok {
			return f, true
		}
	}
	return 0, false
}

func (c *Call) boolKw(kw string) bool {
	if v, ok := c.Kwargs[kw]; ok {
		b, _ := v.(bool)
		return b
	}
	return false
}

// xyPair reads a two-number coordinate list at positional index pos (or
// kwarg kw).
func (c *Call) xyPair(pos int, kw string) ([]int, bool) {
	v, ok := c.lookup(pos, kw)
	if !ok {
		return nil, false
	}
	items, ok := v.([]any)
	if !ok || len(items) < 2 {
		return nil, false
	}
	xy := make([]int, 0, 2)
	for _, it := range items[:2] {
		f, ok := it.(float64)
		if !ok {
			return nil, false
		}
		xy = append(xy, int(f))
	}
	return xy, true
}

func (c *Call) strList(pos int, kw string) []string {
	v, ok := c.lookup(pos, kw)
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (c *Call) lookup(pos int, kw string) (any, bool) {
	if kw != "" {
		if v, ok := c.Kwargs[kw]; ok {
			return v, true
		}
	}
	if pos >= 0 && pos < len(c.Args) {
		return c.Args[pos], true
	}
	return nil, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
