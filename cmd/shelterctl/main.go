// Command shelterctl creates, reads, updates and deletes animal records.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	cmd, a := newRootCmd(nil)
	if err := a.execute(context.Background(), cmd); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
