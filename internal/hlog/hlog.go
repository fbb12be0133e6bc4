// Package hlog sets up the module's logger. It follows the teacher daemon's
// convention of a single package-level *logging.Logger configured once at
// process start, rather than threading a logger through every constructor.
package hlog

import (
	"os"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("hap-ble")

var stderrFormat = logging.MustStringFormatter(
	`%{color}%{time:15:04:05.000} %{level:.4s} ▶ %{message}%{color:reset}`,
)

// Setup installs a stderr-backed logger at the given level. Level is read
// from HAP_BLE_LOG_LEVEL if set, overriding the default argument.
func Setup(defaultLevel logging.Level) *logging.Logger {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, stderrFormat)
	leveled := logging.AddModuleLevel(formatted)

	level := defaultLevel
	if lvl, err := logging.LogLevel(os.Getenv("HAP_BLE_LOG_LEVEL")); err == nil {
		level = lvl
	}
	leveled.SetLevel(level, "")

	logging.SetBackend(leveled)
	return log
}

// Log returns the package logger. Safe to call before Setup — go-logging
// defaults to a usable backend, matching the teacher's lazily-configured
// package-level `log`.
func Log() *logging.Logger { return log }
