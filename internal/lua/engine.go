package lua

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
)

// LuaError represents detailed Lua execution errors
type LuaError struct {
	Type       string // "syntax", "runtime", "api"
	Message    string
	Line       int
	Source     string
	Underlying error
}

func (e *LuaError) Error() string {
	parts := []string{}
	if e.Source != "" {
		parts = append(parts, fmt.Sprintf("in %s", e.Source))
	}
	if e.Line > 0 {
		parts = append(parts, fmt.Sprintf("line %d", e.Line))
	}

	prefix := fmt.Sprintf("Lua %s error", e.Type)
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s (%s)", prefix, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *LuaError) Unwrap() error {
	return e.Underlying
}

// Is matches another *LuaError of the same Type.
func (e *LuaError) Is(target error) bool {
	if target == nil {
		return false
	}
	var luaErr *LuaError
	if errors.As(target, &luaErr) {
		return e.Type == luaErr.Type
	}
	return false
}

var (
	ErrSyntax  = &LuaError{Type: "syntax"}
	ErrRuntime = &LuaError{Type: "runtime"}
	ErrAPI     = &LuaError{Type: "api"}
)

// chunk:line: message, where chunk is a file name or [string "..."]
var luaMessagePattern = regexp.MustCompile(`(?s)^(.*?):(\d+): (.*)$`)

// parseLuaError splits a raw Lua message into line and text.
func parseLuaError(errType, source, raw string) *LuaError {
	luaErr := &LuaError{Type: errType, Message: strings.TrimSpace(raw), Source: source}
	if raw == "" {
		luaErr.Message = "unknown Lua error"
		return luaErr
	}
	if m := luaMessagePattern.FindStringSubmatch(raw); m != nil {
		if line, err := strconv.Atoi(m[2]); err == nil {
			luaErr.Line = line
			luaErr.Message = strings.TrimSpace(m[3])
		}
	}
	return luaErr
}

// Engine owns one Lua state. Every access to the state goes through DoWithState.
type Engine struct {
	state      *lua.State
	stateMutex sync.Mutex
	logger     *logrus.Logger
	source     string
}

// NewEngine creates a Lua state with the standard libraries and print redirected to logger.
func NewEngine(logger *logrus.Logger) *Engine {
	e := &Engine{logger: logger}
	e.state = lua.NewState()
	e.state.OpenLibs()
	e.registerPrintCapture()
	return e
}

// DoWithState runs callback with exclusive access to the state. It returns nil once the
// engine is closed.
func (e *Engine) DoWithState(callback func(*lua.State) interface{}) interface{} {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()

	if e.state == nil {
		return nil
	}
	return callback(e.state)
}

// registerPrintCapture replaces print with a version that writes to the logger.
func (e *Engine) registerPrintCapture() {
	L := e.state
	L.PushGoFunction(func(L *lua.State) int {
		top := L.GetTop()
		parts := make([]string, 0, top)

		for i := 1; i <= top; i++ {
			switch {
			case L.IsNil(i):
				parts = append(parts, "nil")
			case L.IsBoolean(i):
				parts = append(parts, strconv.FormatBool(L.ToBoolean(i)))
			case L.IsNumber(i):
				parts = append(parts, fmt.Sprintf("%v", L.ToNumber(i)))
			case L.IsString(i):
				parts = append(parts, L.ToString(i))
			default:
				// tables, functions, userdata: defer to Lua's own tostring
				L.GetGlobal("tostring")
				L.PushValue(i)
				if err := L.Call(1, 1); err != nil {
					parts = append(parts, "?")
					continue
				}
				parts = append(parts, L.ToString(-1))
				L.Pop(1)
			}
		}

		e.logger.WithField("source", e.source).Info(strings.Join(parts, "\t"))
		return 0
	})
	L.SetGlobal("print")
}

// LoadScript compiles and runs script so that its global definitions become available.
// name is used in error messages and log fields.
func (e *Engine) LoadScript(script, name string) error {
	if strings.TrimSpace(script) == "" {
		return &LuaError{Type: "api", Message: "empty script", Source: name}
	}

	res := e.DoWithState(func(L *lua.State) interface{} {
		e.source = name
		base := L.GetTop()
		defer L.SetTop(base)

		if status := L.LoadString(script); status != 0 {
			return parseLuaError("syntax", name, L.ToString(-1))
		}
		if err := L.Call(0, 0); err != nil {
			return parseLuaError("runtime", name, err.Error())
		}
		return nil
	})

	if res == nil {
		if e.closed() {
			return &LuaError{Type: "api", Message: "engine closed", Source: name}
		}
		return nil
	}
	luaErr := res.(*LuaError)
	e.logger.WithFields(logrus.Fields{"source": name, "error": luaErr}).Error("Lua script failed to load")
	return luaErr
}

// HasFunction reports whether a global function with the given name exists.
func (e *Engine) HasFunction(name string) bool {
	res := e.DoWithState(func(L *lua.State) interface{} {
		L.GetGlobal(name)
		defer L.Pop(1)
		return L.IsFunction(-1)
	})
	found, _ := res.(bool)
	return found
}

// SetGlobal sets a global variable in the Lua state
func (e *Engine) SetGlobal(name string, value interface{}) error {
	res := e.DoWithState(func(state *lua.State) any {
		switch v := value.(type) {
		case string:
			state.PushString(v)
		case int:
			state.PushInteger(int64(v))
		case int64:
			state.PushInteger(v)
		case float64:
			state.PushNumber(v)
		case bool:
			state.PushBoolean(v)
		default:
			return fmt.Errorf("unsupported type for global variable %s", name)
		}

		state.SetGlobal(name)
		return nil
	})

	if err, ok := res.(error); ok {
		return err
	}
	return nil
}

func (e *Engine) closed() bool {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()
	return e.state == nil
}

// Close releases the Lua state. Further calls are no-ops.
func (e *Engine) Close() {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()

	if e.state != nil {
		e.state.Close()
		e.state = nil
	}
}
