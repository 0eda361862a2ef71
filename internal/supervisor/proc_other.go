//go:build !unix

package supervisor

import "os/exec"

// configureProcess keeps the default cancellation, which kills only the
// direct child.
func configureProcess(*exec.Cmd) {}
