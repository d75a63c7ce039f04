// Command licensectl checks and activates the license of this computer and
// can serve the local license API.
//
// It exits with 1 when the license service refused, 2 on other errors and 3
// when the service rejected this computer's hardware id.
package main

import (
	"errors"
	"fmt"
	"os"

	licerrors "licensekit/internal/errors"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var refused *refusedError
		if errors.As(err, &refused) {
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		if licerrors.IsFatal(err) {
			os.Exit(3)
		}
		os.Exit(2)
	}
}
