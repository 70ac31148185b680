package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		if !errors.Is(err, errCheckFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
