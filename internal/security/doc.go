// Package security derives a posture report from engine settings. The report
// is informational; nothing in the engine consults it.
package security
