package main

import (
	"fmt"
	"net"
	"os"

	"github.com/lxc/childhelper/childhelperd/protocol"
	"github.com/lxc/childhelper/childhelperd/service"
	"github.com/lxc/childhelper/shared/logger"
)

// HelperMain implements the bootstrap sequence: dial the bootstrap
// socket, send the greeting, close stdin (the helper never reads from it
// again), and run the Service until shutdown.
func HelperMain(socketPath string) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("childhelperd: dial bootstrap socket: %w", err)
	}

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		_ = conn.Close()
		return fmt.Errorf("childhelperd: bootstrap socket is not a unix connection")
	}

	if _, err := uc.Write(protocol.Greeting[:]); err != nil {
		_ = uc.Close()
		return fmt.Errorf("childhelperd: send greeting: %w", err)
	}

	_ = os.Stdin.Close()

	log := logger.New().AddContext(logger.Ctx{"socket": socketPath})
	svc := service.New(uc, log)

	log.Info("childhelperd starting")
	code := svc.Run()
	log.Info("childhelperd exiting", logger.Ctx{"exitCode": code})

	os.Exit(code)
	return nil
}
