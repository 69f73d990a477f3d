package modloader

import "runtime"

// LibExt returns the shared-library filename extension for the host platform.
func LibExt() string {
	switch runtime.GOOS {
	case "windows":
		return ".dll"
	case "darwin":
		return ".dylib"
	default:
		return ".so"
	}
}
