package daemon

import (
	"context"
	"strings"

	"github.com/cernvm/webapid/pkg/download"
	"github.com/cernvm/webapid/pkg/hypervisor"
	"github.com/cernvm/webapid/pkg/logger"
	"github.com/cernvm/webapid/pkg/wire"
)

// runRequestSession executes the multi-stage session workflow on a worker:
// hypervisor readiness, keystore refresh, domain gate, VMCP fetch and
// validation, user consent with throttle accounting, session open and
// registration. Every stage reports progress on the originating event id;
// the workflow terminates with exactly one succeed or failed event, except
// when it returns silently on user-navigation abort or connection teardown.
func (c *Connection) runRequestSession(ctx context.Context, cb *callbackFw, vmcpURL string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("Session request panicked", "domain", c.domain, "panic", r)
			cb.fail("Unexpected exception occured while requesting session", wire.CodeExternalError)
		}
	}()

	hv := c.core.Hypervisor()
	if hv == nil {
		cb.fail("Unable to open session", wire.CodeAccessDenied)
		return
	}

	// Blocked connections fail before any user interaction.
	if c.throttle.isBlocked() {
		cb.fail("Request denied by throttle protection", wire.CodeAccessDenied)
		return
	}

	// The root progress task splits evenly into preparation and open.
	root := newRootTask(func(name string, args ...any) {
		cb.fire(name, args...)
	})
	root.SetMax(2)
	prep := root.Begin("Preparing for session request")
	prep.SetMax(4)

	// Wait for delayed hypervisor initiation; this may prompt the user.
	if err := hv.WaitTillReady(ctx, c.core.Keystore(), prep.Begin("Initializing hypervisor"), c.ui); err != nil {
		if c.silentAbort(ctx) {
			return
		}
		cb.fail("Unable to initialize the hypervisor", wire.CodeExternalError)
		return
	}
	if c.silentAbort(ctx) {
		return
	}

	// Refresh the authorized keystore when stale.
	prep.Doing("Initializing crypto store")
	c.core.Keystore().UpdateAuthorized(ctx, c.core.Downloader())
	if !c.core.Keystore().Valid() {
		cb.fail("Unable to initialize cryptographic store", wire.CodeNotValidated)
		return
	}

	// Requests from untrusted domains stop here.
	if !c.core.Keystore().IsDomainValid(c.domain) {
		cb.fail("The domain is not trusted", wire.CodeNotTrusted)
		return
	}
	prep.Done("Crypto store initialized")

	// Contact the VMCP endpoint with a fresh salt and the caller-specific
	// host id so the server can bind its signed response to this exchange.
	prep.Doing("Contacting the VMCP endpoint")
	salt := c.core.Keystore().GenerateSalt()
	body, err := c.core.Downloader().DownloadText(ctx, vmcpRequestURL(vmcpURL, salt, c.core.HostID(c.domain)), nil)
	if err != nil {
		if c.silentAbort(ctx) {
			return
		}
		cb.fail("Unable to contact the VMCP endpoint", download.CodeOf(err))
		return
	}

	prep.Doing("Validating VMCP data")
	vmcpData, err := hypervisor.ParameterMapFromJSON([]byte(body))
	if err != nil {
		cb.fail("Unable to parse response data as JSON", wire.CodeQueryError)
		return
	}

	if msg := validateVMCPSchema(vmcpData); msg != "" {
		cb.fail(msg, wire.CodeUsageError)
		return
	}

	if code := c.core.Keystore().SignatureValidate(c.domain, salt, vmcpData.Snapshot()); code.Failed() {
		cb.fail("The VMCP response signature could not be validated", code)
		return
	}
	prep.Done("Obtained information from VMCP endpoint")

	// Check the request against stored sessions.
	validity := hv.SessionValidate(ctx, vmcpData)
	if validity == hypervisor.ValidateBadPass {
		cb.fail("The password specified is invalid for this session", wire.CodePasswordDenied)
		return
	}

	// New sessions need explicit consent; denials feed the throttle.
	prep.Doing("Validating request")
	if validity == hypervisor.ValidateNew {
		prep.Doing("Session is new, asking user for confirmation")
		if !c.confirmNewSession(ctx, cb, hv, vmcpData) {
			return
		}
	}
	prep.Done("Request validated")

	// Open or resume the session and wait for its FSM to settle.
	open := root.Begin("Open session")
	hvSession := hv.SessionOpen(ctx, vmcpData, open)
	if hvSession == nil {
		cb.fail("Unable to open session", wire.CodeAccessDenied)
		return
	}
	if err := hvSession.Wait(ctx); err != nil {
		if c.silentAbort(ctx) {
			return
		}
		cb.fail("Unable to open session", wire.CodeAccessDenied)
		return
	}

	root.Complete("Session open successfully")

	// Let the driver decide whether its helper daemon must keep running.
	hv.CheckDaemonNeed()

	// Register and announce. The page relies on this exact order:
	// succeed, stateVariables, stateChanged, then periodic jobs (so that
	// apiStateChanged can never precede stateChanged).
	record := c.core.StoreSession(c, hvSession)
	c.core.Metrics().SessionRequests.WithLabelValues(wire.CodeOK.String()).Inc()
	cb.fire(wire.EventSucceed, "Session open successfully", record.UUID())

	record.SendStateVariables()
	c.sendEvent(wire.EventStateChanged, record.UUID(), record.State())
	record.EnablePeriodicJobs(true)
}

// confirmNewSession prompts for consent and applies throttle accounting on
// denial. Returns false when the workflow must stop (silently on abort).
func (c *Connection) confirmNewSession(ctx context.Context, cb *callbackFw, hv hypervisor.Driver, vmcpData *hypervisor.ParameterMap) bool {
	msg := "The website " + c.domain + " is trying to allocate a " + hv.Name() +
		" Virtual Machine \"" + vmcpData.Get("name", "") + "\". This website is validated and trusted by CernVM.\n\n" +
		"Do you want to continue?"

	result, err := c.ui.Confirm(ctx, "New CernVM WebAPI Session", msg)
	if err != nil || result == UIAborted {
		c.silentAbort(ctx)
		return false
	}

	if result != UIOK {
		if c.throttle.noteDeny(c.core.cfg.ThrottleWindow, c.core.cfg.ThrottleTries) {
			c.core.Metrics().ThrottleBlocks.Inc()
		}
		cb.fail("User denied the allocation of new session", wire.CodeAccessDenied)
		return false
	}

	c.throttle.reset()
	return true
}

// silentAbort reports whether the workflow should end without a terminal
// event: the user navigated away mid-prompt or the connection is tearing
// down. The sticky interaction abort flag is acknowledged when set.
func (c *Connection) silentAbort(ctx context.Context) bool {
	if c.ui.Aborted() {
		c.ui.AbortHandled()
		return true
	}
	return ctx.Err() != nil || !c.alive.Load()
}

// vmcpRequestURL appends the exchange salt and host id to the manifest URL.
func vmcpRequestURL(vmcpURL, salt, hostID string) string {
	glue := "&"
	if !strings.Contains(vmcpURL, "?") {
		glue = "?"
	}
	return vmcpURL + glue + "cvm_salt=" + salt + "&cvm_hostid=" + hostID
}

// validateVMCPSchema checks the response for the required fields; returns
// the failure message, or "" when valid.
func validateVMCPSchema(vmcp *hypervisor.ParameterMap) string {
	for _, key := range []string{"name", "secret", "signature"} {
		if !vmcp.Contains(key) {
			return "Missing '" + key + "' parameter from the VMCP response"
		}
	}
	if vmcp.Contains("diskURL") && !vmcp.Contains("diskChecksum") {
		return "A 'diskURL' was specified, but no 'diskChecksum' was found in the VMCP response"
	}
	return ""
}
