// Package version holds the build version of quill.
package version

// Version is the quill version. It is overridden at build time via
// -ldflags "-X github.com/quillworks/quill/pkg/version.Version=...".
var Version = "dev"
