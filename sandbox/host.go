package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/meridian-run/meridian/errs"
	"github.com/meridian-run/meridian/policy"
	"github.com/meridian-run/meridian/telemetry"
)

// killGrace is how long a timed-out child gets to exit after SIGTERM before
// the host escalates to SIGKILL, per §4.5.
const killGrace = 2 * time.Second

// ManifestLookup resolves a Gear ID to its manifest. Implemented by the
// gear registry; kept as a function type here (rather than an imported
// interface) so sandbox never depends on the gear package.
type ManifestLookup func(gearID string) (*Manifest, bool)

// DisableFunc disables a Gear following an integrity or signature failure.
type DisableFunc func(gearID, reason string)

// Options configures a Host.
type Options struct {
	Lookup  ManifestLookup
	Disable DisableFunc
	Notify  func(Notification)
	// Command services command frames a Gear child initiates on its own
	// (§4.5 point 5), rather than ones answering the host's own calls. Nil
	// means every child-initiated command is answered with an error.
	Command CommandHandler
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	// Version selects the IPC signing scheme for sessions this host spawns.
	Version SignatureVersion
}

// Host spawns and drives sandboxed Gear child processes, implementing
// job.Executor (ExecuteStep) so the worker pool can use it directly.
type Host struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*session
}

// New builds a Host. A nil Logger/Metrics falls back to no-ops.
func New(opts Options) *Host {
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Version == "" {
		opts.Version = SignatureV2
	}
	return &Host{opts: opts, sessions: make(map[string]*session)}
}

// session is one live Gear child process plus its signed IPC channel.
type session struct {
	cmd    *exec.Cmd
	ch     *channel
	signer Signer
}

// ExecuteStep runs one plan step against its Gear's sandbox, implementing
// job.Executor. It verifies the manifest's integrity checksum before every
// spawn (not just once at registration) so a Gear tampered with between
// invocations is caught immediately, and it stamps the result with
// provenance before returning it to the caller.
func (h *Host) ExecuteStep(ctx context.Context, jobID string, step policy.Step) (json.RawMessage, error) {
	manifest, ok := h.opts.Lookup(step.Gear)
	if !ok {
		return nil, errs.Newf(errs.NotFound, "gear %q is not registered", step.Gear)
	}

	if err := h.verifyIntegrity(manifest); err != nil {
		if h.opts.Disable != nil {
			h.opts.Disable(manifest.ID, err.Error())
		}
		return nil, err
	}

	sess, err := h.spawn(ctx, manifest)
	if err != nil {
		return nil, err
	}
	defer h.teardown(step.ID, sess)

	timeout := manifest.Resources.TimeoutMs
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	invokeCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Millisecond)
	defer cancel()

	body, err := marshalBody(map[string]any{
		"jobId":      jobID,
		"gear":       step.Gear,
		"action":     step.Action,
		"parameters": step.Parameters,
	})
	if err != nil {
		return nil, err
	}

	resultCh := make(chan struct {
		body json.RawMessage
		err  error
	}, 1)
	go func() {
		b, callErr := sess.ch.call(invokeCtx, step.ID, body)
		resultCh <- struct {
			body json.RawMessage
			err  error
		}{b, callErr}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, h.onCallFailure(manifest, sess, r.err)
		}
		return withProvenance(r.body, manifest.ID, step.Action, step.ID)
	case <-invokeCtx.Done():
		h.kill(sess)
		return nil, errs.Newf(errs.Timeout, "gear %q timed out after %dms", step.Gear, timeout)
	}
}

// onCallFailure escalates a signature-verification failure (Integrity kind)
// to a Gear disable; other failures are returned as-is.
func (h *Host) onCallFailure(manifest *Manifest, sess *session, err error) error {
	if errs.Is(err, errs.Integrity) && h.opts.Disable != nil {
		h.opts.Disable(manifest.ID, err.Error())
	}
	return err
}

func (h *Host) verifyIntegrity(m *Manifest) error {
	data, err := os.ReadFile(m.EntryPath)
	if err != nil {
		return errs.Wrap(errs.Integrity, err, "read gear entry")
	}
	got := Checksum(data)
	if got != m.Checksum {
		return errs.Newf(errs.Integrity, "gear %q checksum mismatch: manifest=%s actual=%s", m.ID, m.Checksum, got)
	}
	return nil
}

func (h *Host) spawn(ctx context.Context, m *Manifest) (*session, error) {
	signer, keyMaterial, err := h.newSigner()
	if err != nil {
		return nil, err
	}

	entry := m.EntryPath
	if m.Resources.MemMB > 0 {
		entry = ulimitedCommand(m.EntryPath, m.Resources.MemMB)
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", entry)
	cmd.Env = restrictedEnv(m.Permissions.Env, h.opts.Version, keyMaterial)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "open gear stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "open gear stdout")
	}
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "spawn gear process")
	}
	if stderr != nil {
		go drainStderr(stderr, h.opts.Logger, m.ID)
	}

	ch := newChannel(stdin, stdout, signer, h.opts.Notify, h.opts.Command)
	sess := &session{cmd: cmd, ch: ch, signer: signer}
	h.mu.Lock()
	h.sessions[m.ID] = sess
	h.mu.Unlock()
	return sess, nil
}

func (h *Host) newSigner() (Signer, []byte, error) {
	if h.opts.Version == SignatureV1 {
		signer, secret, err := NewHMACSigner()
		return signer, secret, err
	}
	signer, pub, err := NewEd25519Signer()
	return signer, []byte(pub), err
}

func (h *Host) teardown(gearID string, sess *session) {
	sess.ch.close()
	sess.signer.Destroy()
	if sess.cmd.ProcessState == nil {
		_ = sess.cmd.Process.Signal(os.Interrupt)
		go func() {
			time.Sleep(killGrace)
			if sess.cmd.ProcessState == nil {
				_ = sess.cmd.Process.Kill()
			}
		}()
	}
	_ = sess.cmd.Wait()
}

func (h *Host) kill(sess *session) {
	if sess.cmd.Process == nil {
		return
	}
	_ = sess.cmd.Process.Signal(syscall.SIGTERM)
	go func() {
		time.Sleep(killGrace)
		if sess.cmd.ProcessState == nil {
			_ = sess.cmd.Process.Kill()
		}
	}()
}

// ulimitedCommand wraps entry in a shell ulimit prefix enforcing the
// declared memory ceiling on the child's address space (RLIMIT_AS).
func ulimitedCommand(entry string, memMB int) string {
	kb := memMB * 1024
	return fmt.Sprintf("ulimit -v %d; exec %s", kb, entry)
}

// restrictedEnv builds the child's environment from only the manifest's
// declared allowlist, plus the signing key material the IPC channel needs.
func restrictedEnv(declared []string, version SignatureVersion, keyMaterial []byte) []string {
	env := make([]string, 0, len(declared)+2)
	for _, name := range declared {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	env = append(env, "MERIDIAN_SANDBOX_SIGNATURE_VERSION="+string(version))
	env = append(env, "MERIDIAN_SANDBOX_KEY="+hexEncode(keyMaterial))
	return env
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0x0f]
	}
	return string(out)
}

func drainStderr(r interface{ Read([]byte) (int, error) }, logger telemetry.Logger, gearID string) {
	buf := make([]byte, 4096)
	var tail strings.Builder
	for {
		n, err := r.Read(buf)
		if n > 0 {
			tail.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	if tail.Len() > 0 {
		logger.Debug(context.Background(), "gear stderr", "gear_id", gearID, "output", tail.String())
	}
}

// withProvenance tags a Gear's raw result with the source/action/correlation
// metadata §4.5 requires on every step result.
func withProvenance(raw json.RawMessage, gearID, action, correlationID string) (json.RawMessage, error) {
	var payload any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			payload = string(raw)
		}
	}
	tagged := map[string]any{
		"result": payload,
		"provenance": map[string]any{
			"source":        "gear:" + gearID,
			"action":        action,
			"correlationId": correlationID,
		},
	}
	return json.Marshal(tagged)
}
