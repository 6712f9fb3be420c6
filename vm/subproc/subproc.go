// Copyright 2025 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package subproc implements the fresh-process snapshot machine. Each
// restore boots a new child process (the driver executable re-executed
// with a guest marker in the environment), so even a guest that ignores
// cancellation is reclaimed by killing the process. The shared channel
// lives in a memory-mapped file inherited by the child as fd 3; control
// flows over the child's stdin/stdout pipes.
//
// Pipe protocol, child to parent: the handshake magic, then 'E' with the
// announced buffer capacity once the guest parks at its first enter,
// then one 'X' per completed run. Parent to child: one 'P' per run.
// Guest death inside the child surfaces as the child's exit status.
package subproc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/snapfuzz/snapfuzz/guest"
	"github.com/snapfuzz/snapfuzz/pkg/config"
	"github.com/snapfuzz/snapfuzz/pkg/harness"
	"github.com/snapfuzz/snapfuzz/pkg/log"
	"github.com/snapfuzz/snapfuzz/pkg/osutil"
	"github.com/snapfuzz/snapfuzz/pkg/shmem"
	"github.com/snapfuzz/snapfuzz/vm/vmimpl"
)

const (
	// "snapfuzz" in little-endian, sent by the child right after start so
	// the parent knows it is talking to its own re-executed binary.
	handshakeMagic = uint64(0x7a7a756670616e73)

	msgEnter   = 'E'
	msgProceed = 'P'
	msgExit    = 'X'

	// Child exit statuses for guest death. Anything else means the child
	// itself broke.
	statusCrash = 67
	statusFault = 68

	childEnvGuest    = "SNAPFUZZ_CHILD_GUEST"
	childEnvCapacity = "SNAPFUZZ_CHILD_CAPACITY"

	// The shared channel file arrives in the child right after
	// stdin/stdout/stderr.
	shmemFD = 3
)

var errTimeout = errors.New("timeout")

func init() {
	vmimpl.Register("subproc", ctor)
}

type Config struct {
	// How long a fresh child may take to park at its first enter point,
	// in milliseconds.
	BootTimeoutMS int `json:"boot_timeout_ms"`
}

type Pool struct {
	env *vmimpl.Env
	cfg *Config
}

func ctor(env *vmimpl.Env) (vmimpl.Pool, error) {
	cfg := &Config{
		BootTimeoutMS: 3000,
	}
	if len(env.Config) != 0 {
		if err := config.LoadData(env.Config, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse subproc machine config: %w", err)
		}
	}
	if cfg.BootTimeoutMS <= 0 {
		return nil, fmt.Errorf("subproc machine config: boot_timeout_ms must be positive")
	}
	if guest.Lookup(env.Guest) == nil {
		return nil, fmt.Errorf("unknown guest workload %q (have: %v)",
			env.Guest, strings.Join(guest.Names(), ", "))
	}
	if env.Capacity <= shmem.HeaderSize {
		return nil, fmt.Errorf("channel capacity %v is too small", env.Capacity)
	}
	if env.Count < 1 {
		return nil, fmt.Errorf("machine count %v must be at least 1", env.Count)
	}
	if env.Exe == "" {
		return nil, fmt.Errorf("subproc machine requires the path of the driver executable")
	}
	return &Pool{env: env, cfg: cfg}, nil
}

func (pool *Pool) Count() int {
	return pool.env.Count
}

func (pool *Pool) Create(index int) (vmimpl.Instance, error) {
	memFile, region, err := osutil.CreateMemMappedFile(pool.env.Capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared channel file: %w", err)
	}
	ch, err := shmem.OpenChannel(region)
	if err != nil {
		osutil.CloseMemMappedFile(memFile, region)
		return nil, err
	}
	inst := &instance{
		index:   index,
		env:     pool.env,
		cfg:     pool.cfg,
		memFile: memFile,
		region:  region,
		ch:      ch,
		state:   harness.Idle,
	}
	if err := inst.Restore(); err != nil {
		inst.Close()
		return nil, vmimpl.MakeBootError(err, nil)
	}
	return inst, nil
}

type instance struct {
	index    int
	env      *vmimpl.Env
	cfg      *Config
	memFile  *os.File
	region   []byte
	ch       *shmem.Channel
	baseline []byte
	child    *childProc
	state    harness.State
}

type childProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *bytes.Buffer
	parked bool // at its first enter with no run consumed yet
}

func (inst *instance) bootTimeout() time.Duration {
	return time.Duration(inst.cfg.BootTimeoutMS) * time.Millisecond
}

func (inst *instance) Restore() error {
	if c := inst.child; c != nil && c.parked {
		// No guest progress since the last restore; rewinding the channel
		// is all that is needed.
		copy(inst.region, inst.baseline)
		return nil
	}
	inst.killChild()
	if inst.baseline != nil {
		copy(inst.region, inst.baseline)
	}
	return inst.bootChild()
}

func (inst *instance) bootChild() error {
	cmd := osutil.Command(inst.env.Exe)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%v=%v", childEnvGuest, inst.env.Guest),
		fmt.Sprintf("%v=%v", childEnvCapacity, inst.env.Capacity))
	cmd.ExtraFiles = []*os.File{inst.memFile}
	stderr := new(bytes.Buffer)
	cmd.Stderr = stderr
	if inst.env.Debug {
		cmd.Stderr = io.MultiWriter(stderr, log.VerboseWriter(0))
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start child: %w", err)
	}
	inst.child = &childProc{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}

	// Handshake magic plus the enter announcement in one read. The child
	// sends both back to back once the guest parks.
	var hello [13]byte
	if err := readFullTimeout(stdout, hello[:], inst.bootTimeout(), inst.killChild); err != nil {
		inst.killChild()
		return fmt.Errorf("no handshake from child: %v\n%s", err, stderr.Bytes())
	}
	if magic := binary.LittleEndian.Uint64(hello[0:8]); magic != handshakeMagic {
		inst.killChild()
		return fmt.Errorf("bad handshake magic from child: 0x%x", magic)
	}
	if hello[8] != msgEnter {
		inst.killChild()
		return fmt.Errorf("unexpected child message 0x%x, want enter", hello[8])
	}
	bufCap := binary.LittleEndian.Uint32(hello[9:13])
	log.Logf(2, "subproc%v: child pid %v parked at enter, guest buffer %v bytes",
		inst.index, cmd.Process.Pid, bufCap)
	if inst.baseline == nil {
		inst.baseline = append([]byte{}, inst.region...)
	}
	inst.child.parked = true
	inst.state = harness.AwaitingInput
	return nil
}

func (inst *instance) killChild() {
	c := inst.child
	if c == nil {
		return
	}
	inst.child = nil
	c.cmd.Process.Kill()
	c.stdin.Close()
	c.cmd.Wait()
	inst.state = harness.Idle
}

func (inst *instance) Input(payload []byte) error {
	return inst.ch.Write(payload)
}

func (inst *instance) Output() ([]byte, error) {
	return inst.ch.Read()
}

func (inst *instance) Resume(timeout time.Duration) (vmimpl.StopInfo, error) {
	c := inst.child
	if c == nil {
		return vmimpl.StopInfo{}, fmt.Errorf("subproc%v: resume before restore", inst.index)
	}
	if _, err := c.stdin.Write([]byte{msgProceed}); err != nil {
		return inst.reapChild()
	}
	c.parked = false
	inst.state = harness.Running

	var ev [1]byte
	err := readFullTimeout(c.stdout, ev[:], timeout, inst.killChild)
	switch {
	case err == nil && ev[0] == msgExit:
		inst.state = harness.Suspended
		return vmimpl.StopInfo{Reason: vmimpl.StopExit}, nil
	case errors.Is(err, errTimeout):
		// readFullTimeout already killed the child.
		return vmimpl.StopInfo{
			Reason: vmimpl.StopTimeout,
			Detail: fmt.Sprintf("no exit within %v", timeout),
		}, nil
	case err == nil:
		inst.killChild()
		return vmimpl.StopInfo{}, fmt.Errorf("subproc%v: unexpected child message 0x%x", inst.index, ev[0])
	default:
		return inst.reapChild()
	}
}

// reapChild collects the exit status of a child that died mid-run and
// classifies the guest's death from it.
func (inst *instance) reapChild() (vmimpl.StopInfo, error) {
	c := inst.child
	if c == nil {
		return vmimpl.StopInfo{}, fmt.Errorf("subproc%v: child already reaped", inst.index)
	}
	inst.child = nil
	c.cmd.Process.Kill()
	c.stdin.Close()
	c.cmd.Wait()
	inst.state = harness.Idle
	status := osutil.ProcessExitStatus(c.cmd.ProcessState)
	detail := string(tail(c.stderr.Bytes(), 2<<10))
	switch status {
	case statusCrash:
		return vmimpl.StopInfo{Reason: vmimpl.StopCrash, Detail: detail}, nil
	case statusFault:
		return vmimpl.StopInfo{Reason: vmimpl.StopFault, Detail: detail}, nil
	default:
		return vmimpl.StopInfo{
			Reason: vmimpl.StopCrash,
			Detail: fmt.Sprintf("child exited with status %v\n%v", status, detail),
		}, nil
	}
}

func (inst *instance) GuestState() harness.State {
	return inst.state
}

func (inst *instance) Close() {
	inst.killChild()
	if inst.memFile != nil {
		osutil.CloseMemMappedFile(inst.memFile, inst.region)
		inst.memFile = nil
	}
}

// readFullTimeout reads exactly len(buf) bytes or gives up after the
// timeout, running kill to unblock the pending read before returning
// errTimeout.
func readFullTimeout(r io.Reader, buf []byte, timeout time.Duration, kill func()) error {
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(r, buf)
		done <- err
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		kill()
		<-done
		return errTimeout
	}
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
