package devserver

import (
	"fmt"
	"strings"
)

// PackageManager is the JavaScript package manager used to run a project.
type PackageManager string

const (
	Bun  PackageManager = "bun"
	PNPM PackageManager = "pnpm"
	NPM  PackageManager = "npm"
)

// ParsePackageManager maps detection output to a PackageManager, defaulting to npm.
func ParsePackageManager(s string) PackageManager {
	switch PackageManager(strings.TrimSpace(strings.ToLower(s))) {
	case Bun:
		return Bun
	case PNPM:
		return PNPM
	default:
		return NPM
	}
}

// DevCommand is the command that starts the project's dev script.
func (pm PackageManager) DevCommand() string {
	return fmt.Sprintf("%s run dev", pm)
}

// InstallCommand installs project dependencies.
func (pm PackageManager) InstallCommand() string {
	return fmt.Sprintf("%s install", pm)
}

// DetectScript returns a shell snippet that prints the package manager for the
// current directory: lockfiles first, then PATH availability, then npm.
func DetectScript() string {
	return `if [ -f bun.lockb ] || [ -f bun.lock ]; then echo bun; ` +
		`elif [ -f pnpm-lock.yaml ]; then echo pnpm; ` +
		`elif [ -f package-lock.json ]; then echo npm; ` +
		`elif command -v bun >/dev/null 2>&1; then echo bun; ` +
		`elif command -v pnpm >/dev/null 2>&1; then echo pnpm; ` +
		`else echo npm; fi`
}
