package gattq

import _ "embed"

// HeartRateInitScript is the embedded heart rate initializer script
//
//go:embed examples/heart_rate.lua
var HeartRateInitScript string

// BuiltinInitScripts maps the names accepted by --init-script to embedded scripts.
var BuiltinInitScripts = map[string]string{
	"heart-rate": HeartRateInitScript,
}
