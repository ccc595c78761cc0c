//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"tz01-bridge/internal/capability"
	"tz01-bridge/internal/coordinator"
	"tz01-bridge/internal/store"
)

const (
	commandQueue   = 64
	handlerTimeout = 5 * time.Second
)

// DeviceSource is the read side of the device manager.
type DeviceSource interface {
	GetDevice(ieee string) (*store.Device, error)
	ListDevices() ([]*store.Device, error)
}

// luaEventHandler is a callback registered with bridge.on.
type luaEventHandler struct {
	capability capability.Name
	target     string // IEEE address or friendly name; empty matches any device
	fn         *lua.LFunction
}

// scriptVM is a running Lua VM for a single script. All access to state
// happens on the VM's own goroutine through commands.
type scriptVM struct {
	id       string
	state    *lua.LState
	commands chan func(*lua.LState)
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
}

// exec runs fn on the VM goroutine. It reports false if the VM has stopped.
func (vm *scriptVM) exec(fn func(*lua.LState)) bool {
	select {
	case vm.commands <- fn:
		return true
	case <-vm.ctx.Done():
		return false
	}
}

// Engine runs one Lua VM per enabled script and feeds them capability updates.
type Engine struct {
	devices DeviceSource
	events  *coordinator.EventBus
	manager *Manager
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	wg    sync.WaitGroup
	unsub func()
}

// NewEngine creates an automation engine over the coordinator's devices and events.
func NewEngine(coord *coordinator.Coordinator, mgr *Manager, logger *slog.Logger) *Engine {
	return newEngine(coord.Devices(), coord.Events(), mgr, logger)
}

func newEngine(devices DeviceSource, events *coordinator.EventBus, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		devices: devices,
		events:  events,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		now:     time.Now,
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to capability updates and starts every enabled script.
func (e *Engine) Start() {
	e.unsub = e.events.On(coordinator.EventCapabilityUpdate, e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop unsubscribes from the bus, stops every VM and waits for them to exit.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.mu.Unlock()
	e.wg.Wait()

	e.logger.Info("automation engine stopped")
}

// ReloadScript stops the script's VM, if any, and starts it again from disk.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// Running returns the IDs of running scripts.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

// newSandbox returns a Lua state without file, process or module access.
func newSandbox() *lua.LState {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	L := newSandbox()

	vm := &scriptVM{
		id:       s.ID,
		state:    L,
		commands: make(chan func(*lua.LState), commandQueue),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerBridgeModule(L, vm, e)
	registerSystemModule(L, vm.id, e)

	// Top-level code registers handlers; it gets the same budget as a handler.
	runCtx, runCancel := context.WithTimeout(ctx, handlerTimeout)
	L.SetContext(runCtx)
	err := L.DoString(s.LuaCode)
	L.RemoveContext()
	runCancel()
	if err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent routes a capability_update to every matching bridge.on handler.
func (e *Engine) dispatchEvent(event coordinator.Event) {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return
	}
	ieee, _ := data["ieee"].(string)
	name, _ := data["capability"].(string)
	value := data["value"]
	if ieee == "" || name == "" {
		return
	}

	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	var friendly string
	var looked bool
	for _, vm := range vms {
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if string(h.capability) != name {
				continue
			}
			if h.target != "" {
				if !looked {
					if dev, err := e.devices.GetDevice(ieee); err == nil {
						friendly = dev.FriendlyName
					}
					looked = true
				}
				if !strings.EqualFold(h.target, ieee) && !strings.EqualFold(h.target, friendly) {
					continue
				}
			}

			fn := h.fn
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) {
				e.callHandler(L, vm.id, fn, lua.LString(ieee), goToLua(L, value))
			}:
			default:
				e.logger.Warn("script command channel full, dropping event", "id", vm.id)
			}
		}
	}
}

// callHandler runs a Lua callback under the handler timeout.
func (e *Engine) callHandler(L *lua.LState, scriptID string, fn *lua.LFunction, args ...lua.LValue) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "id", scriptID, "err", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	L.SetContext(ctx)
	defer L.RemoveContext()

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...); err != nil {
		e.logger.Error("lua handler error", "id", scriptID, "err", err)
	}
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case int8:
		return lua.LNumber(val)
	case int16:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case map[string]interface{}:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
