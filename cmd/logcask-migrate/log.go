package main

import (
	"github.com/btcsuite/btclog/v2"
	"kv-logcask/messagepassed"
	"kv-logcask/shutdown"
	"kv-logcask/store"
)

// Subsystem tags the migration tool's own log lines.
const Subsystem = "MIGR"

var log btclog.Logger = btclog.Disabled

// setupLoggers hands every package a sub-logger of root tagged with the
// package's subsystem code.
func setupLoggers(root btclog.Logger) {
	log = root.SubSystem(Subsystem)
	store.UseLogger(root.SubSystem(store.Subsystem))
	messagepassed.UseLogger(root.SubSystem(messagepassed.Subsystem))
	shutdown.UseLogger(root.SubSystem(shutdown.Subsystem))
}
