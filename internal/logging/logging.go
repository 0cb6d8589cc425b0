// Package logging provides the core's leveled, module/method-filterable
// logger. It is a thin wrapper over the standard log package: spec.md §7
// only needs WARN-by-default with ERROR escalation for two specific error
// codes, plus optional DEBUG tracing during development, so there is no
// need for a structured logging library here.
package logging

import (
	"log"
	"os"
	"strings"
)

var (
	verbose        bool
	verboseAll     bool
	verboseFilters map[string]bool
)

// SetVerbose configures debug-level tracing.
//
//   - "" or "false": no debug tracing
//   - "true" or "all": trace everything
//   - "resolver,relaypool.Query": trace the resolver module and the
//     relaypool module's Query method only
func SetVerbose(spec string) {
	verboseFilters = make(map[string]bool)
	verboseAll = false
	verbose = false

	spec = strings.TrimSpace(spec)
	if spec == "" || spec == "false" {
		return
	}
	if spec == "true" || spec == "all" {
		verbose = true
		verboseAll = true
		return
	}

	for _, f := range strings.Split(spec, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		verboseFilters[f] = true
		verbose = true
	}
}

func isVerbose(module, method string) bool {
	if !verbose {
		return false
	}
	if verboseAll {
		return true
	}
	if method != "" && verboseFilters[module+"."+method] {
		return true
	}
	return verboseFilters[module]
}

// Debug logs a trace message for module.method, only when verbose tracing
// is enabled for it.
func Debug(module, method, format string, args ...any) {
	if isVerbose(module, method) {
		log.Printf("[DEBUG] "+module+"."+method+": "+format, args...)
	}
}

// Info logs an always-shown informational message.
func Info(module, format string, args ...any) {
	log.Printf("[INFO] "+module+": "+format, args...)
}

// Warn logs an always-shown warning. Per spec.md §7, every core failure
// is logged at WARN unless it escalates to Error below.
func Warn(module, format string, args ...any) {
	log.Printf("[WARN] "+module+": "+format, args...)
}

// Error logs an always-shown error. Among core failures it is used for
// INTEGRITY_FAILURE and WRONG_AUTHOR per spec.md §7 — every other core
// failure stays at Warn; the host binary also uses it for a response it
// cannot encode.
func Error(module, format string, args ...any) {
	log.Printf("[ERROR] "+module+": "+format, args...)
}

// Fatal logs an error and exits the process.
func Fatal(module, format string, args ...any) {
	log.Printf("[FATAL] "+module+": "+format, args...)
	os.Exit(1)
}
