// Package version holds the single version string stamped into outbound
// trace headers, User-Agent strings, and the CLI's --version output.
package version

// Version is korgalore's release version.
const Version = "1.0.0"
