package lua

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"

	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/manager"
)

// EntryPoint is the global function an initializer script must define. It receives a
// peripheral table and returns a list of operation tables:
//
//	function on_connect(p)
//	  return {
//	    { op = "discover_services", services = { "180d" } },
//	    { op = "notify", service = "180d", characteristic = "2a37", enabled = true },
//	  }
//	end
//
// The peripheral table has the fields id, name, services (list of UUIDs) and
// characteristics (service UUID -> list of characteristic UUIDs).
const EntryPoint = "on_connect"

// opSpec is one operation table returned by the script, before validation.
type opSpec struct {
	Op              string
	Service         string
	Characteristic  string
	Services        []string
	Characteristics []string
	Data            string
	WithoutResponse bool
	Enabled         *bool
}

// Initializer turns a Lua script into a manager.Initializer.
type Initializer struct {
	engine *Engine
	logger *logrus.Logger
	name   string
}

// LoadInitializer reads the script at path and prepares it with NewInitializer.
func LoadInitializer(path string, logger *logrus.Logger) (*Initializer, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return NewInitializer(string(content), path, logger)
}

// NewInitializer loads script and checks that it defines EntryPoint.
func NewInitializer(script, name string, logger *logrus.Logger) (*Initializer, error) {
	engine := NewEngine(logger)
	if err := engine.LoadScript(script, name); err != nil {
		engine.Close()
		return nil, err
	}
	if !engine.HasFunction(EntryPoint) {
		engine.Close()
		return nil, &LuaError{Type: "api", Message: fmt.Sprintf("script does not define %s()", EntryPoint), Source: name}
	}
	return &Initializer{engine: engine, logger: logger, name: name}, nil
}

// Close releases the Lua state.
func (i *Initializer) Close() {
	i.engine.Close()
}

// Func adapts the initializer to manager.WithInitializer. Invalid entries and script
// errors are logged; valid entries are still returned.
func (i *Initializer) Func() manager.Initializer {
	return func(p *device.Peripheral) []manager.Operation {
		ops, err := i.Operations(p)
		if err != nil {
			i.logger.WithFields(logrus.Fields{
				"peripheral": p.ID,
				"source":     i.name,
				"error":      err,
			}).Warn("Initializer script reported errors")
		}
		return ops
	}
}

// Operations calls the script's entry point for p and builds the returned operations.
// The error joins every problem found; ops holds the entries that were valid.
func (i *Initializer) Operations(p *device.Peripheral) ([]manager.Operation, error) {
	specs, err := i.call(p)
	if err != nil {
		return nil, err
	}

	var (
		ops  []manager.Operation
		errs []error
	)
	for n, spec := range specs {
		op, err := i.build(p.ID, spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %d: %w", n+1, err))
			continue
		}
		ops = append(ops, op)
	}
	return ops, errors.Join(errs...)
}

func (i *Initializer) call(p *device.Peripheral) ([]opSpec, error) {
	res := i.engine.DoWithState(func(L *lua.State) interface{} {
		base := L.GetTop()
		defer L.SetTop(base)

		L.GetGlobal(EntryPoint)
		if !L.IsFunction(-1) {
			return &LuaError{Type: "api", Message: fmt.Sprintf("%s is not a function", EntryPoint), Source: i.name}
		}
		pushPeripheral(L, p)
		if err := L.Call(1, 1); err != nil {
			return parseLuaError("runtime", i.name, err.Error())
		}

		if L.IsNil(-1) {
			return []opSpec{}
		}
		if !L.IsTable(-1) {
			return &LuaError{Type: "api", Message: fmt.Sprintf("%s must return a table", EntryPoint), Source: i.name}
		}
		return readSpecs(L, L.GetTop())
	})

	switch v := res.(type) {
	case nil:
		return nil, &LuaError{Type: "api", Message: "engine closed", Source: i.name}
	case *LuaError:
		return nil, v
	case error:
		return nil, &LuaError{Type: "api", Message: v.Error(), Source: i.name, Underlying: v}
	default:
		return v.([]opSpec), nil
	}
}

func pushPeripheral(L *lua.State, p *device.Peripheral) {
	L.NewTable()
	setString(L, "id", p.ID)
	setString(L, "name", p.Name)

	L.PushString("services")
	pushStrings(L, p.ServiceUUIDs())
	L.SetTable(-3)

	L.PushString("characteristics")
	L.NewTable()
	for _, svc := range p.Services {
		uuids := make([]string, 0, len(svc.Characteristics))
		for _, c := range svc.Characteristics {
			uuids = append(uuids, c.UUID)
		}
		L.PushString(svc.UUID)
		pushStrings(L, uuids)
		L.SetTable(-3)
	}
	L.SetTable(-3)
}

func setString(L *lua.State, key, value string) {
	L.PushString(key)
	L.PushString(value)
	L.SetTable(-3)
}

func pushStrings(L *lua.State, values []string) {
	L.NewTable()
	for n, v := range values {
		L.PushInteger(int64(n + 1))
		L.PushString(v)
		L.SetTable(-3)
	}
}

// readSpecs reads the array at idx. A non-table entry makes the whole result an error.
func readSpecs(L *lua.State, idx int) interface{} {
	count := int(L.ObjLen(idx))
	specs := make([]opSpec, 0, count)
	for n := 1; n <= count; n++ {
		L.RawGeti(idx, n)
		entry := L.GetTop()
		if !L.IsTable(entry) {
			L.Pop(1)
			return fmt.Errorf("entry %d is not a table", n)
		}
		specs = append(specs, opSpec{
			Op:              stringField(L, entry, "op"),
			Service:         stringField(L, entry, "service"),
			Characteristic:  stringField(L, entry, "characteristic"),
			Services:        stringListField(L, entry, "services"),
			Characteristics: stringListField(L, entry, "characteristics"),
			Data:            stringField(L, entry, "data"),
			WithoutResponse: isTrue(boolField(L, entry, "without_response")),
			Enabled:         boolField(L, entry, "enabled"),
		})
		L.Pop(1)
	}
	return specs
}

func stringField(L *lua.State, idx int, key string) string {
	L.GetField(idx, key)
	defer L.Pop(1)
	if L.IsString(-1) {
		return L.ToString(-1)
	}
	return ""
}

func boolField(L *lua.State, idx int, key string) *bool {
	L.GetField(idx, key)
	defer L.Pop(1)
	if L.IsBoolean(-1) {
		v := L.ToBoolean(-1)
		return &v
	}
	return nil
}

func isTrue(b *bool) bool {
	return b != nil && *b
}

// stringListField returns nil when the field is absent, so "all" filters stay distinct
// from an empty list.
func stringListField(L *lua.State, idx int, key string) []string {
	L.GetField(idx, key)
	defer L.Pop(1)
	if !L.IsTable(-1) {
		return nil
	}
	list := L.GetTop()
	count := int(L.ObjLen(list))
	values := make([]string, 0, count)
	for n := 1; n <= count; n++ {
		L.RawGeti(list, n)
		if L.IsString(-1) {
			values = append(values, L.ToString(-1))
		}
		L.Pop(1)
	}
	return values
}

func (i *Initializer) build(peripheral string, spec opSpec) (manager.Operation, error) {
	log := i.logger.WithFields(logrus.Fields{"peripheral": peripheral, "source": i.name, "op": spec.Op})

	requireChar := func() error {
		if spec.Service == "" || spec.Characteristic == "" {
			return fmt.Errorf("%s requires service and characteristic", spec.Op)
		}
		_, err := device.ValidateUUID(spec.Service, spec.Characteristic)
		return err
	}

	switch strings.ToLower(spec.Op) {
	case "discover_services":
		if err := validateList(spec.Services); err != nil {
			return nil, err
		}
		return manager.NewDiscoverServices(peripheral, spec.Services, func(r manager.DiscoverServicesResponse, err error) {
			if err != nil {
				log.WithField("error", err).Warn("Initializer service discovery failed")
				return
			}
			log.WithField("services", len(r.Services)).Debug("Initializer discovered services")
		}), nil

	case "discover_characteristics":
		if spec.Service != "" {
			if _, err := device.ValidateUUID(spec.Service); err != nil {
				return nil, err
			}
		}
		if err := validateList(spec.Characteristics); err != nil {
			return nil, err
		}
		return manager.NewDiscoverCharacteristics(peripheral, spec.Service, spec.Characteristics, func(r manager.DiscoverCharacteristicsResponse, err error) {
			if err != nil {
				log.WithField("error", err).Warn("Initializer characteristic discovery failed")
				return
			}
			log.WithField("services", len(r.Services)).Debug("Initializer discovered characteristics")
		}), nil

	case "read":
		if err := requireChar(); err != nil {
			return nil, err
		}
		return manager.NewReadCharacteristic(peripheral, spec.Service, spec.Characteristic, func(r manager.ReadCharacteristicResponse, err error) {
			if err != nil {
				log.WithField("error", err).Warn("Initializer read failed")
				return
			}
			log.WithFields(logrus.Fields{
				"char_uuid": spec.Characteristic,
				"value":     hex.EncodeToString(r.Value),
			}).Info("Initializer read characteristic")
		}), nil

	case "write":
		if err := requireChar(); err != nil {
			return nil, err
		}
		data, err := hex.DecodeString(strings.ReplaceAll(spec.Data, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("write data must be hex: %w", err)
		}
		mode := device.WithResponse
		if spec.WithoutResponse {
			mode = device.WithoutResponse
		}
		return manager.NewWriteCharacteristic(peripheral, spec.Service, spec.Characteristic, data, mode, func(_ manager.WriteCharacteristicResponse, err error) {
			if err != nil {
				log.WithField("error", err).Warn("Initializer write failed")
				return
			}
			log.WithField("char_uuid", spec.Characteristic).Debug("Initializer wrote characteristic")
		}), nil

	case "notify":
		if err := requireChar(); err != nil {
			return nil, err
		}
		enabled := spec.Enabled == nil || *spec.Enabled
		return manager.NewSetNotify(peripheral, spec.Service, spec.Characteristic, enabled, func(_ manager.SetNotifyResponse, err error) {
			if err != nil {
				log.WithField("error", err).Warn("Initializer notify change failed")
				return
			}
			log.WithFields(logrus.Fields{"char_uuid": spec.Characteristic, "enabled": enabled}).Debug("Initializer changed notify state")
		}), nil

	case "rssi":
		return manager.NewReadRSSI(peripheral, func(r manager.RSSIResponse, err error) {
			if err != nil {
				log.WithField("error", err).Warn("Initializer RSSI read failed")
				return
			}
			log.WithField("rssi", r.RSSI).Info("Initializer read RSSI")
		}), nil

	case "":
		return nil, errors.New("missing op field")
	default:
		return nil, fmt.Errorf("unknown op %q", spec.Op)
	}
}

// validateList accepts an absent or empty filter.
func validateList(uuids []string) error {
	if len(uuids) == 0 {
		return nil
	}
	_, err := device.ValidateUUID(uuids...)
	return err
}
