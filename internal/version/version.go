// Package version holds the build-time version string.
package version

// String is the version printed by --version. Overridden at build time via
// -ldflags, mirroring the teacher's version-stamping convention.
var String = "undefined"
