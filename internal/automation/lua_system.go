//go:build !no_automation

package automation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

var datetimeComponents = map[string]func(time.Time) lua.LValue{
	"hour":      func(t time.Time) lua.LValue { return lua.LNumber(t.Hour()) },
	"minute":    func(t time.Time) lua.LValue { return lua.LNumber(t.Minute()) },
	"second":    func(t time.Time) lua.LValue { return lua.LNumber(t.Second()) },
	"weekday":   func(t time.Time) lua.LValue { return lua.LNumber(t.Weekday()) },
	"day":       func(t time.Time) lua.LValue { return lua.LNumber(t.Day()) },
	"month":     func(t time.Time) lua.LValue { return lua.LNumber(t.Month()) },
	"year":      func(t time.Time) lua.LValue { return lua.LNumber(t.Year()) },
	"timestamp": func(t time.Time) lua.LValue { return lua.LNumber(t.Unix()) },
	"time_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format("15:04:05")) },
	"date_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format("2006-01-02")) },
}

// registerSystemModule registers the `system` global table in a Lua state.
func registerSystemModule(L *lua.LState, scriptID string, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("datetime", L.NewFunction(func(L *lua.LState) int {
		component := L.CheckString(1)
		get, ok := datetimeComponents[component]
		if !ok {
			L.ArgError(1, "unknown component: "+component)
			return 0
		}
		L.Push(get(e.now()))
		return 1
	}))
	mod.RawSetString("time_between", L.NewFunction(func(L *lua.LState) int {
		from := checkClock(L, 1)
		to := checkClock(L, 2)
		now := e.now()
		L.Push(lua.LBool(minuteBetween(now.Hour()*60+now.Minute(), from, to)))
		return 1
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		scriptLog(e, scriptID, L.CheckString(1), L.CheckString(2))
		return 0
	}))

	L.SetGlobal("system", mod)
}

// checkClock reads a time-of-day argument given as an hour number or an
// "HH:MM" string and returns minutes since midnight.
func checkClock(L *lua.LState, n int) int {
	switch v := L.Get(n).(type) {
	case lua.LNumber:
		h := int(v)
		if h < 0 || h > 24 {
			L.ArgError(n, "hour out of range")
		}
		return h * 60
	case lua.LString:
		m, err := parseClock(string(v))
		if err != nil {
			L.ArgError(n, err.Error())
		}
		return m
	default:
		L.TypeError(n, lua.LTNumber)
		return 0
	}
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("time %q is not HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return h*60 + m, nil
}

// minuteBetween reports whether now lies in [from, to), wrapping past
// midnight when from > to.
func minuteBetween(now, from, to int) bool {
	if from <= to {
		return now >= from && now < to
	}
	return now >= from || now < to
}

func scriptLog(e *Engine, scriptID, level, msg string) {
	switch level {
	case "debug":
		e.logger.Debug("script log", "id", scriptID, "msg", msg)
	case "warn":
		e.logger.Warn("script log", "id", scriptID, "msg", msg)
	case "error":
		e.logger.Error("script log", "id", scriptID, "msg", msg)
	default:
		e.logger.Info("script log", "id", scriptID, "msg", msg)
	}
}
