package couchgoconfig

import (
	"os"
	"strconv"
	"strings"
)

// ProcessEnv captures the process-wide, read-once-at-init settings
// spec.md §6 "Environment" lists. These are process globals by design
// (LCB_LOGLEVEL and friends are read by every libcouchbase-based
// process the same way) and are deliberately kept isolated in their
// own struct rather than folded into Config, which is per-Handle.
type ProcessEnv struct {
	// LogLevel mirrors LCB_LOGLEVEL (1..5); empty means "unset".
	LogLevel string
	// IOProviderName mirrors LIBCOUCHBASE_EVENT_PLUGIN_NAME. It is read
	// but does not select or override the Handle's IO provider: couchgo
	// only ships one provider (ioprovider.NewProvider); this field exists
	// so an embedder wiring a foreign event loop in through
	// ioprovider.CompletionProvider has somewhere standard to name it.
	IOProviderName string
	// DlopenDebug mirrors LIBCOUCHBASE_DLOPEN_DEBUG. couchgo never
	// dlopens a plugin (Non-goal: per-platform poller implementations
	// beyond the built-in net-poller); the value is read but nothing in
	// couchgo acts on it.
	DlopenDebug bool
}

// LoadProcessEnv reads the three environment variables spec.md §6
// names, translated to COUCHGO_-prefixed names the way viper's
// AutomaticEnv reads every other setting (§2.3), so a deployment only
// has one naming convention to remember.
func LoadProcessEnv() ProcessEnv {
	debug, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv("COUCHGO_DLOPEN_DEBUG")))
	return ProcessEnv{
		LogLevel:       os.Getenv("COUCHGO_LOGLEVEL"),
		IOProviderName: os.Getenv("COUCHGO_EVENT_PLUGIN_NAME"),
		DlopenDebug:    debug,
	}
}
