package debug

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"github.com/sirupsen/logrus"
)

// StartUtilities spins off the services associated with debug mode.
func StartUtilities(logger *logrus.Logger, pprofPort int) {
	startPprofServer(logger, pprofPort)
}

// PprofAddress is the loopback address the pprof server listens on.
func PprofAddress(port int) string {
	return fmt.Sprintf("localhost:%d", port)
}

// This function starts the default pprof HTTP server that can be accessed via localhost
// to get runtime information about gameport. See https://golang.org/pkg/net/http/pprof/
func startPprofServer(logger *logrus.Logger, port int) {
	listenerAddr := PprofAddress(port)
	logger.Infof("starting pprof server on %s", listenerAddr)

	go func() {
		if err := http.ListenAndServe(listenerAddr, nil); err != nil {
			logger.Errorf("error starting pprof server: %s", err)
		}
	}()
}
