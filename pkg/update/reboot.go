package update

import (
	"context"

	"github.com/flipset/flipset/pkg/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Reboot flushes filesystem buffers and restarts the host.
func Reboot(ctx context.Context) error {
	log.Info("Rebooting")
	unix.Sync()
	return utils.RunLogged(ctx, "shutdown", "-r", "now")
}
