package sdk

import _ "embed"

// RuntimeSource is the Lua prelude prepended to every service source when
// bundling. Changing it changes every bundle hash, so snapshot rebuilds pick
// up runtime fixes automatically.
//
//go:embed runtime.lua
var RuntimeSource string
