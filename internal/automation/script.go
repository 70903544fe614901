//go:build !no_automation

package automation

import "errors"

var (
	// ErrScriptNotFound is returned for an id with no script file.
	ErrScriptNotFound = errors.New("script not found")
	// ErrInvalidScript is returned for a bad id or Lua that does not compile.
	ErrInvalidScript = errors.New("invalid script")
)

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is an automation script stored on disk as a .lua file whose first
// line carries the metadata as a JSON comment.
type Script struct {
	ID       string     `json:"id"` // filename stem (no .lua)
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"` // source without the header line
	FilePath string     `json:"-"`
}
