//go:build !no_automation

package automation

import (
	"log/slog"
	"os"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newSystemState returns a sandbox whose clock reads at.
func newSystemState(t *testing.T, at time.Time) *lua.LState {
	t.Helper()
	L := newSandbox()
	t.Cleanup(L.Close)
	e := &Engine{logger: testLogger(), now: func() time.Time { return at }}
	registerSystemModule(L, "test", e)
	return L
}

func evalLua(t *testing.T, L *lua.LState, expr string) lua.LValue {
	t.Helper()
	if err := L.DoString("_result = " + expr); err != nil {
		t.Fatalf("%s: %v", expr, err)
	}
	return L.GetGlobal("_result")
}

func TestSystemDatetime(t *testing.T) {
	at := time.Date(2026, time.March, 14, 21, 7, 30, 0, time.Local)
	L := newSystemState(t, at)

	tests := []struct {
		component string
		want      lua.LValue
	}{
		{"hour", lua.LNumber(21)},
		{"minute", lua.LNumber(7)},
		{"second", lua.LNumber(30)},
		{"weekday", lua.LNumber(time.Saturday)},
		{"day", lua.LNumber(14)},
		{"month", lua.LNumber(3)},
		{"year", lua.LNumber(2026)},
		{"timestamp", lua.LNumber(at.Unix())},
		{"time_str", lua.LString("21:07:30")},
		{"date_str", lua.LString("2026-03-14")},
	}
	for _, tt := range tests {
		if got := evalLua(t, L, `system.datetime("`+tt.component+`")`); got != tt.want {
			t.Errorf("system.datetime(%q) = %v, want %v", tt.component, got, tt.want)
		}
	}
}

func TestSystemDatetimeUnknownComponent(t *testing.T) {
	L := newSystemState(t, time.Now())

	if err := L.DoString(`system.datetime("fortnight")`); err == nil {
		t.Error("expected error for unknown component")
	}
}

func TestMinuteBetween(t *testing.T) {
	tests := []struct {
		now, from, to int
		want          bool
	}{
		{10 * 60, 8 * 60, 22 * 60, true},
		{8 * 60, 8 * 60, 22 * 60, true},
		{22 * 60, 8 * 60, 22 * 60, false},
		{7*60 + 59, 8 * 60, 22 * 60, false},
		{23 * 60, 22 * 60, 6 * 60, true},
		{3 * 60, 22 * 60, 6 * 60, true},
		{6 * 60, 22 * 60, 6 * 60, false},
		{12 * 60, 22 * 60, 6 * 60, false},
	}
	for _, tt := range tests {
		if got := minuteBetween(tt.now, tt.from, tt.to); got != tt.want {
			t.Errorf("minuteBetween(%d, %d, %d) = %v, want %v", tt.now, tt.from, tt.to, got, tt.want)
		}
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"06:30", 390, false},
		{"0:00", 0, false},
		{"24:00", 1440, false},
		{"24:01", 0, true},
		{"12:60", 0, true},
		{"noon", 0, true},
		{"ab:10", 0, true},
	}
	for _, tt := range tests {
		got, err := parseClock(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseClock(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseClock(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSystemTimeBetween(t *testing.T) {
	L := newSystemState(t, time.Date(2026, time.January, 5, 22, 45, 0, 0, time.Local))

	tests := []struct {
		expr string
		want lua.LValue
	}{
		{`system.time_between(0, 24)`, lua.LTrue},
		{`system.time_between(22, 6)`, lua.LTrue},
		{`system.time_between("22:50", "06:00")`, lua.LFalse},
		{`system.time_between("22:30", 23)`, lua.LTrue},
		{`system.time_between(8, 22)`, lua.LFalse},
	}
	for _, tt := range tests {
		if got := evalLua(t, L, tt.expr); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.expr, got, tt.want)
		}
	}

	for _, bad := range []string{`system.time_between("25:00", 6)`, `system.time_between(true, 6)`, `system.time_between(-1, 6)`} {
		if err := L.DoString(bad); err == nil {
			t.Errorf("%s: expected error", bad)
		}
	}
}

func TestSandboxRemovesUnsafeGlobals(t *testing.T) {
	L := newSandbox()
	defer L.Close()

	for _, name := range []string{"os", "io", "require", "dofile", "loadfile", "load", "debug", "package"} {
		if L.GetGlobal(name) != lua.LNil {
			t.Errorf("%s should be nil in the sandbox", name)
		}
	}
	if err := L.DoString(`local x = string.format("%d", 1)`); err != nil {
		t.Errorf("string library should stay available: %v", err)
	}
}
