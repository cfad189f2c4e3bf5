package daemon

import (
	"context"

	"github.com/cernvm/webapid/pkg/hypervisor"
	"github.com/cernvm/webapid/pkg/logger"
	"github.com/cernvm/webapid/pkg/wire"
)

// runInstallAndRequestSession is the installer branch of the session
// workflow: prompt the user, run the external installer, re-detect the
// hypervisor, and on success chain into the regular session workflow on
// the same worker. The process-wide installer slot is already claimed by
// the caller and is released on every exit path.
func (c *Connection) runInstallAndRequestSession(ctx context.Context, cb *callbackFw, vmcpURL string) {
	finished := false
	endInstall := func() {
		if !finished {
			finished = true
			c.installOwned.Store(false)
			c.core.EndInstall()
		}
	}
	defer endInstall()

	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("Installer workflow panicked", "domain", c.domain, "panic", r)
			cb.fail("Unexpected exception occured while requesting session", wire.CodeExternalError)
		}
	}()

	root := newRootTask(func(name string, args ...any) {
		cb.fire(name, args...)
	})

	// The prompt depends on whether a hypervisor exists at all or is just
	// too old for us.
	title := "Hypervisor required"
	message := "For this website to work you must have a hypervisor installed in your system. " +
		"Would you like us to install VirtualBox for you?"
	if hv := c.core.Hypervisor(); hv != nil {
		title = "Hypervisor too old"
		message = "It seems that your current VirtualBox installation (version " + hv.Version() +
			") is too old and not properly supported by the CernVM WebAPI. " +
			"Would you like us to install the latest version for you?"
	}

	result, err := c.ui.Confirm(ctx, title, message)
	if err != nil || result != UIOK {
		// Distinguish navigation abort from an actual decline.
		if c.ui.Aborted() {
			c.ui.AbortHandled()
			return
		}
		if result != UIAborted {
			cb.fail("You must have a hypervisor installed in your system to continue.", wire.CodeUsageError)
		}
		return
	}

	if c.core.installer == nil {
		cb.fail("We were unable to install a hypervisor in your system. Please try again manually.", wire.CodeUsageError)
		return
	}

	code := c.core.installer.Install(ctx, c.core.Downloader(), c.core.Keystore(), c.ui, root)

	// The user may have navigated away while an installer prompt was up.
	if c.ui.Aborted() {
		c.ui.AbortHandled()
		return
	}

	if code != wire.CodeOK {
		if code == wire.CodeNotValidated || code == wire.CodeNotTrusted {
			cb.fail("Integrity validation of the hypervisor configuration failed. Please try again later.", wire.CodeUsageError)
		} else {
			cb.fail("We were unable to install a hypervisor in your system. Please try again manually.", wire.CodeUsageError)
		}
		return
	}

	// Re-detect and chain into the session workflow in this same worker.
	hv := c.core.Detect(ctx)
	if hv == nil {
		cb.fail("The hypervisor installation completed but we were not able to detect it! "+
			"Please try again later or try to re-install it manually.", wire.CodeUsageError)
		return
	}
	if !hypervisor.VersionAtLeast(hv.Version(), c.core.cfg.MinHypervisorVersion) {
		cb.fail("The hypervisor installation completed but we were not able to detect it! "+
			"Please try again later or try to re-install it manually.", wire.CodeUsageError)
		return
	}

	endInstall()
	c.runRequestSession(ctx, cb, vmcpURL)
}
