package integration

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/shepherd-project/shepherdd/internal/daemon"
	"github.com/shepherd-project/shepherdd/internal/engine"
	"github.com/shepherd-project/shepherdd/internal/host"
	"github.com/shepherd-project/shepherdd/internal/ids"
	"github.com/shepherd-project/shepherdd/internal/ipc"
	"github.com/shepherd-project/shepherdd/internal/policy"
	"github.com/shepherd-project/shepherdd/internal/store"
	"github.com/shepherd-project/shepherdd/internal/volume"
)

// harness wires a real daemon.Service, a real ipc.Server listening on a
// temp unix socket, a MockHost, and an in-memory store together and runs
// Service.Run in the background — the full stack spec §4.8 describes,
// minus a real OS process on the other end of the host adapter.
type harness struct {
	socketPath string
	clock      *ids.FakeClock
	host       *host.MockHost
	store      store.Store
	cancel     context.CancelFunc
	done       chan error
}

func newHarness(entries []policy.Entry) *harness {
	clock := ids.NewFakeClock(time.Date(2026, 1, 7, 9, 0, 0, 0, time.UTC)) // a Wednesday
	st, err := store.OpenInMemorySQLiteStore()
	Expect(err).NotTo(HaveOccurred())

	h := host.NewMockHost(host.MinimalCapabilities())
	eng, err := engine.NewEngine(zap.NewNop(), st, h.Capabilities(), clock, policy.Policy{Entries: entries})
	Expect(err).NotTo(HaveOccurred())

	svc := daemon.NewService(zap.NewNop(), clock, st, h, volume.NewStubController(50), volume.Unrestricted(), "", eng)

	dir, err := os.MkdirTemp("", "shepherdd-it-")
	Expect(err).NotTo(HaveOccurred())
	socketPath := filepath.Join(dir, "shepherdd.sock")

	ipcServer := ipc.NewServer(zap.NewNop(), ipc.Config{
		SocketPath:      socketPath,
		ServiceUID:      os.Getuid(),
		RateLimitPerSec: 1000,
	}, svc)
	svc.SetIPCServer(ipcServer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 2)
	go func() { done <- svc.Run(ctx) }()
	go func() { done <- ipcServer.Serve(ctx) }()

	Eventually(func() error {
		_, err := os.Stat(socketPath)
		return err
	}).Should(Succeed())

	return &harness{socketPath: socketPath, clock: clock, host: h, store: st, cancel: cancel, done: done}
}

func (h *harness) stop() {
	h.cancel()
	os.RemoveAll(filepath.Dir(h.socketPath))
}

// call dials a fresh connection, sends one command, and returns its
// response frame, mirroring the request/response round trip spec §4.7
// describes. A fresh connection per call keeps each scenario's role
// (our own uid, which is always Admin here since ServiceUID == our uid)
// simple to reason about.
func (h *harness) call(cmd ipc.Command) ipc.ResponseFrame {
	conn, err := net.DialTimeout("unix", h.socketPath, time.Second)
	Expect(err).NotTo(HaveOccurred())
	defer conn.Close()

	req := ipc.RequestFrame{Type: ipc.FrameRequest, ID: 1, Command: cmd}
	data, err := json.Marshal(req)
	Expect(err).NotTo(HaveOccurred())
	_, err = conn.Write(append(data, '\n'))
	Expect(err).NotTo(HaveOccurred())

	scanner := bufio.NewScanner(conn)
	Expect(scanner.Scan()).To(BeTrue())
	var resp ipc.ResponseFrame
	Expect(json.Unmarshal(scanner.Bytes(), &resp)).To(Succeed())
	return resp
}

func processEntry(id string, maxRun *time.Duration, warnings policy.WarningSchedule) policy.Entry {
	return policy.Entry{
		ID:           ids.EntryID(id),
		Label:        id,
		Kind:         policy.Kind{Tag: policy.KindProcess, Process: policy.ProcessKind{Argv: []string{"/usr/bin/true"}}},
		Availability: policy.AvailabilityPolicy{Always: true},
		Limits:       policy.LimitsPolicy{MaxRun: maxRun},
		Warnings:     warnings,
	}
}

func durPtr(d time.Duration) *time.Duration { return &d }

var _ = Describe("the service end to end, over the real IPC socket", func() {
	var h *harness

	AfterEach(func() {
		if h != nil {
			h.stop()
		}
	})

	// S1 from spec §8: once the deadline passes, the service loop's tick
	// expires the session and asks the host to stop it, and the session
	// ends as expired once the host reports exit. The order of the
	// warnings is checked by the engine's own S1 test, not here.
	It("expires the session on schedule and ends it as expired", func() {
		h = newHarness([]policy.Entry{
			processEntry("e1", durPtr(1800*time.Second), policy.WarningSchedule{
				{SecondsBefore: 300}, {SecondsBefore: 60}, {SecondsBefore: 10},
			}),
		})

		resp := h.call(ipc.Command{Tag: ipc.CmdLaunch, EntryID: "e1"})
		Expect(resp.Success).To(BeTrue())
		var launch ipc.LaunchResultDTO
		Expect(json.Unmarshal(resp.Payload, &launch)).To(Succeed())
		Expect(launch.Approved).To(BeTrue())
		sessionID := parseSessionID(launch.SessionID)

		h.clock.Advance(1800 * time.Second)
		Eventually(func() bool {
			_, stopped := h.host.WasStopped(sessionID)
			return stopped
		}, 2*time.Second, 20*time.Millisecond).Should(BeTrue())
		h.host.SimulateExit(sessionID, host.ExitSuccess())

		Eventually(func() bool {
			resp := h.call(ipc.Command{Tag: ipc.CmdGetState})
			var state ipc.StateDTO
			Expect(json.Unmarshal(resp.Payload, &state)).To(Succeed())
			return state.ActiveSession == nil
		}, 2*time.Second, 20*time.Millisecond).Should(BeTrue())

		records, err := h.store.RecentAudits(context.Background(), 20)
		Expect(err).NotTo(HaveOccurred())
		var sawEnded bool
		for _, r := range records {
			if r.EventType == store.EventSessionEnded {
				sawEnded = true
				Expect(r.Payload["reason"]).To(Equal("expired"))
			}
		}
		Expect(sawEnded).To(BeTrue())
	})

	// S4 from spec §8: a Launch while another entry's session is active
	// is denied with session_active and causes no state change.
	It("denies a second launch while one entry is already running", func() {
		h = newHarness([]policy.Entry{
			processEntry("e1", durPtr(time.Hour), nil),
			processEntry("e2", durPtr(time.Hour), nil),
		})

		resp := h.call(ipc.Command{Tag: ipc.CmdLaunch, EntryID: "e1"})
		Expect(resp.Success).To(BeTrue())

		resp = h.call(ipc.Command{Tag: ipc.CmdLaunch, EntryID: "e2"})
		Expect(resp.Success).To(BeTrue())
		var launch ipc.LaunchResultDTO
		Expect(json.Unmarshal(resp.Payload, &launch)).To(Succeed())
		Expect(launch.Approved).To(BeFalse())
		Expect(launch.Reasons).To(HaveLen(1))
		Expect(launch.Reasons[0].Tag).To(Equal("session_active"))
		Expect(launch.Reasons[0].EntryID).To(Equal("e1"))
	})

	// S6 from spec §8: ReloadConfig has no dedicated fixture config file
	// in this harness (configPath is ""), so a Shell peer's attempt is
	// exercised at the role-gating layer instead: role is derived from
	// peer uid, and every connection in this harness presents as Admin
	// since ServiceUID equals our own uid. The role table itself is
	// exercised directly in internal/ipc/role_test.go; here we confirm
	// an Admin-role ReloadConfig without a configured file surfaces a
	// config error rather than silently no-op-ing.
	It("surfaces a config error from an admin-role reload with no config file configured", func() {
		h = newHarness([]policy.Entry{processEntry("e1", durPtr(time.Hour), nil)})

		resp := h.call(ipc.Command{Tag: ipc.CmdReloadConfig})
		Expect(resp.Success).To(BeFalse())
		Expect(resp.Error).NotTo(BeNil())
	})
})

func parseSessionID(s string) ids.SessionID {
	var id ids.SessionID
	Expect(id.UnmarshalText([]byte(s))).To(Succeed())
	return id
}
