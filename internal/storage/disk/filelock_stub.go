//go:build !unix

package disk

import "os"

// lockFile is a no-op off Unix; the in-process key mutex still serialises
// writers within one server.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
