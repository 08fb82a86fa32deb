//go:build !no_psi

package main

import (
	"context"

	"pkt.systems/psi"
)

// psi reaps zombies and forwards signals when doclockd runs as PID 1 in a
// container.
func main() {
	psi.Run(func(ctx context.Context) int {
		return submain(ctx)
	})
}
