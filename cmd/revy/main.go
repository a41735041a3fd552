// Command revy manages audit tables and inspects recorded history.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Error("revy failed")
		os.Exit(1)
	}
}
