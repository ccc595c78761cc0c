//go:build !no_automation

package automation

import (
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"tz01-bridge/internal/capability"
	"tz01-bridge/internal/store"
)

const maxHandlersPerScript = 100

// registerBridgeModule registers the `bridge` global table in a Lua state.
func registerBridgeModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return bridgeOn(L, vm)
	}))
	mod.RawSetString("get", L.NewFunction(func(L *lua.LState) int {
		return bridgeGet(L, e)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		e.logger.Info("script log", "id", vm.id, "msg", L.CheckString(1))
		return 0
	}))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return bridgeAfter(L, vm, e)
	}))
	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int {
		return bridgeDevices(L, e)
	}))

	L.SetGlobal("bridge", mod)
}

// bridge.on(capability, [device,] function(ieee, value))
func bridgeOn(L *lua.LState, vm *scriptVM) int {
	name := capability.Name(L.CheckString(1))
	if _, ok := capability.Lookup(name); !ok {
		L.ArgError(1, "unknown capability: "+string(name))
		return 0
	}

	h := luaEventHandler{capability: name}
	if L.GetTop() >= 3 {
		h.target = L.CheckString(2)
		h.fn = L.CheckFunction(3)
	} else {
		h.fn = L.CheckFunction(2)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// bridge.get(device, capability) returns the last stored value or nil.
func bridgeGet(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	name := L.CheckString(2)

	dev := resolveDevice(e, target)
	if dev == nil {
		L.Push(lua.LNil)
		return 1
	}
	cv, ok := dev.Capabilities[name]
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, cv.Value))
	return 1
}

// bridge.after(seconds, callback) runs callback once on the script's VM.
func bridgeAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}
		vm.exec(func(L *lua.LState) {
			e.callHandler(L, vm.id, fn)
		})
	}()
	return 0
}

// bridge.devices() returns a list of {ieee, name, model, manufacturer}.
func bridgeDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	devices, err := e.devices.ListDevices()
	if err != nil {
		e.logger.Warn("list devices for script", "err", err)
		L.Push(tbl)
		return 1
	}
	for i, dev := range devices {
		d := L.NewTable()
		d.RawSetString("ieee", lua.LString(dev.IEEEAddress))
		d.RawSetString("name", lua.LString(dev.DisplayName()))
		d.RawSetString("model", lua.LString(dev.Model))
		d.RawSetString("manufacturer", lua.LString(dev.Manufacturer))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// resolveDevice finds a device by IEEE address or friendly name.
func resolveDevice(e *Engine, target string) *store.Device {
	if len(target) == 16 && isHexString(target) {
		if dev, err := e.devices.GetDevice(strings.ToUpper(target)); err == nil {
			return dev
		}
	}

	devices, err := e.devices.ListDevices()
	if err != nil {
		return nil
	}
	for _, dev := range devices {
		if strings.EqualFold(dev.FriendlyName, target) {
			return dev
		}
	}
	return nil
}

func isHexString(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
