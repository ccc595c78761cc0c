//go:build !no_automation

package automation

// ScriptMeta is the optional JSON header on a script's first line:
//
//	-- {"name": "Cold bedroom", "enabled": true}
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one automation script loaded from the scripts directory.
type Script struct {
	ID       string     `json:"id"` // filename stem (no .lua)
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"` // source without the header line
	FilePath string     `json:"-"`
}
