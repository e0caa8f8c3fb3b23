package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hris-platform/identity-sync/internal/api"
	"github.com/hris-platform/identity-sync/internal/config"
	"github.com/hris-platform/identity-sync/internal/directory"
	"github.com/hris-platform/identity-sync/internal/notify"
	"github.com/hris-platform/identity-sync/internal/service"
	"github.com/hris-platform/identity-sync/internal/status"
	"github.com/hris-platform/identity-sync/internal/store"
	syncengine "github.com/hris-platform/identity-sync/internal/sync"
	"github.com/hris-platform/identity-sync/internal/telemetry"
)

// daemon bundles the fully wired service under test
type daemon struct {
	api          *httptest.Server
	store        store.UserStore
	orchestrator *syncengine.Orchestrator
	fake         *fakeDirectory
	cancel       context.CancelFunc
	notifier     notify.Notifier
}

func localUser(id, email string) *store.User {
	return &store.User{
		ID:        id,
		Email:     email,
		FirstName: "Test",
		LastName:  "User " + id,
		JobTitle:  "Engineer",
		Active:    true,
		Sync: status.SyncRecord{
			State:       status.StateUnsynced,
			SyncEnabled: true,
		},
	}
}

// startDaemon wires the full stack against the given fake directory
func startDaemon(fake *fakeDirectory, users ...*store.User) *daemon {
	secretFile := filepath.Join(GinkgoT().TempDir(), "client-secret")
	Expect(os.WriteFile(secretFile, []byte("test-secret\n"), 0o600)).To(Succeed())

	dirCfg := &config.DirectoryConfig{
		TenantID:         "test-tenant",
		ClientID:         "test-client",
		ClientSecretFile: secretFile,
		BaseURL:          fake.URL(),
		TokenURL:         fake.URL() + "/token",
		Scope:            "test/.default",
		RequestTimeout:   "5s",
		RateLimit:        1000,
		RateBurst:        100,
	}

	tokens, err := directory.NewTokenProvider(dirCfg)
	Expect(err).NotTo(HaveOccurred())
	client := directory.NewClient(dirCfg, tokens)

	userStore := store.NewMemoryStore(users...)
	metrics := telemetry.NewMetrics()
	notifier := notify.NewLogNotifier()

	engine := syncengine.NewEngine(userStore, client, notifier,
		3, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond})
	orchestrator := syncengine.NewOrchestrator(engine, userStore, metrics,
		2, 32, 50*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	orchestrator.Start(ctx)

	svc := service.NewService(userStore, client, orchestrator)
	apiServer := httptest.NewServer(api.NewServer(svc, api.WithMetricsHandler(metrics.Handler())))

	return &daemon{
		api:          apiServer,
		store:        userStore,
		orchestrator: orchestrator,
		fake:         fake,
		cancel:       cancel,
		notifier:     notifier,
	}
}

func (d *daemon) stop() {
	d.api.Close()
	d.orchestrator.Stop()
	d.cancel()
	d.notifier.Close()
}

// postJSON issues a POST against the daemon API
func (d *daemon) postJSON(path string, body any) *http.Response {
	var buf bytes.Buffer
	Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())

	resp, err := http.Post(d.api.URL+path, "application/json", &buf)
	Expect(err).NotTo(HaveOccurred())
	return resp
}

// syncState fetches the current sync record of a user via the API
func (d *daemon) syncState(id string) status.SyncRecord {
	resp, err := http.Get(d.api.URL + "/api/v0/users/" + id + "/status")
	Expect(err).NotTo(HaveOccurred())
	defer func() { _ = resp.Body.Close() }()
	Expect(resp.StatusCode).To(Equal(http.StatusOK))

	var st service.UserStatus
	Expect(json.NewDecoder(resp.Body).Decode(&st)).To(Succeed())
	return st.Sync
}

var _ = Describe("Identity sync daemon", func() {
	var (
		fake *fakeDirectory
		d    *daemon
	)

	AfterEach(func() {
		if d != nil {
			d.stop()
			d = nil
		}
		if fake != nil {
			fake.Close()
			fake = nil
		}
	})

	Describe("full sync lifecycle", func() {
		It("creates directory users for unsynced records", func() {
			fake = newFakeDirectory()
			d = startDaemon(fake, localUser("1", "alice@example.com"), localUser("2", "bob@example.com"))

			resp := d.postJSON("/api/v0/sync", map[string]any{})
			defer func() { _ = resp.Body.Close() }()
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			var manifest syncengine.Manifest
			Expect(json.NewDecoder(resp.Body).Decode(&manifest)).To(Succeed())
			Expect(manifest.Accepted).To(HaveLen(2))
			Expect(manifest.Rejected).To(BeEmpty())

			for _, id := range []string{"1", "2"} {
				Eventually(func() status.SyncState {
					return d.syncState(id).State
				}).WithTimeout(5 * time.Second).WithPolling(20 * time.Millisecond).
					Should(Equal(status.StateSynced))
			}

			Expect(fake.userCount()).To(Equal(2))
			Expect(d.syncState("1").RemoteObjectID).NotTo(BeEmpty())
		})

		It("adopts an existing remote object when the create conflicts", func() {
			fake = newFakeDirectory()
			seededID := fake.seed("carol@example.com", "Carol Preexisting")
			d = startDaemon(fake, localUser("7", "carol@example.com"))

			resp := d.postJSON("/api/v0/sync", map[string]any{"user_ids": []string{"7"}})
			_ = resp.Body.Close()

			Eventually(func() status.SyncState {
				return d.syncState("7").State
			}).WithTimeout(5 * time.Second).WithPolling(20 * time.Millisecond).
				Should(Equal(status.StateSynced))

			rec := d.syncState("7")
			Expect(rec.RemoteObjectID).To(Equal(seededID), "the existing object is adopted, not duplicated")
			Expect(fake.userCount()).To(Equal(1))

			remote, ok := fake.get(seededID)
			Expect(ok).To(BeTrue())
			Expect(remote.DisplayName).To(Equal("Test User 7"), "the adopted object is updated with local data")
		})

		It("retries transient directory failures until success", func() {
			fake = newFakeDirectory()
			fake.failNext("POST /users", 2)
			d = startDaemon(fake, localUser("9", "dave@example.com"))

			resp := d.postJSON("/api/v0/sync", map[string]any{"user_ids": []string{"9"}})
			_ = resp.Body.Close()

			Eventually(func() status.SyncState {
				return d.syncState("9").State
			}).WithTimeout(10 * time.Second).WithPolling(20 * time.Millisecond).
				Should(Equal(status.StateSynced))

			rec := d.syncState("9")
			Expect(rec.AttemptCount).To(BeZero(), "success resets the attempt counter")
			Expect(fake.userCount()).To(Equal(1))
		})

		It("fails validation errors without touching the directory", func() {
			fake = newFakeDirectory()
			broken := localUser("3", "eve@example.com")
			broken.JobTitle = ""
			d = startDaemon(fake, broken)

			resp := d.postJSON("/api/v0/sync", map[string]any{"user_ids": []string{"3"}})
			_ = resp.Body.Close()

			Eventually(func() status.SyncState {
				return d.syncState("3").State
			}).WithTimeout(5 * time.Second).WithPolling(20 * time.Millisecond).
				Should(Equal(status.StateFailed))

			rec := d.syncState("3")
			Expect(rec.LastError).To(ContainSubstring("job title is empty"))
			Expect(fake.userCount()).To(BeZero(), "no directory object is created for invalid data")
		})

		It("disables the remote account on a disable operation", func() {
			fake = newFakeDirectory()
			d = startDaemon(fake, localUser("4", "frank@example.com"))

			resp := d.postJSON("/api/v0/sync", map[string]any{"user_ids": []string{"4"}})
			_ = resp.Body.Close()
			Eventually(func() status.SyncState {
				return d.syncState("4").State
			}).WithTimeout(5 * time.Second).WithPolling(20 * time.Millisecond).
				Should(Equal(status.StateSynced))

			remoteID := d.syncState("4").RemoteObjectID

			resp = d.postJSON("/api/v0/sync", map[string]any{
				"user_ids":  []string{"4"},
				"operation": "disable",
			})
			_ = resp.Body.Close()

			Eventually(func() bool {
				remote, ok := fake.get(remoteID)
				return ok && !remote.AccountEnabled
			}).WithTimeout(5 * time.Second).WithPolling(20 * time.Millisecond).
				Should(BeTrue())
		})

		It("removes the remote object and clears linkage on delete_link", func() {
			fake = newFakeDirectory()
			d = startDaemon(fake, localUser("5", "grace@example.com"))

			resp := d.postJSON("/api/v0/sync", map[string]any{"user_ids": []string{"5"}})
			_ = resp.Body.Close()
			Eventually(func() status.SyncState {
				return d.syncState("5").State
			}).WithTimeout(5 * time.Second).WithPolling(20 * time.Millisecond).
				Should(Equal(status.StateSynced))

			resp = d.postJSON("/api/v0/sync", map[string]any{
				"user_ids":  []string{"5"},
				"operation": "delete_link",
			})
			_ = resp.Body.Close()

			Eventually(func() status.SyncState {
				return d.syncState("5").State
			}).WithTimeout(5 * time.Second).WithPolling(20 * time.Millisecond).
				Should(Equal(status.StateUnsynced))

			Expect(d.syncState("5").RemoteObjectID).To(BeEmpty())
			Expect(fake.userCount()).To(BeZero())
		})
	})

	Describe("admin endpoints", func() {
		It("reports the directory connection", func() {
			fake = newFakeDirectory()
			d = startDaemon(fake)

			resp := d.postJSON("/api/v0/test-connection", map[string]any{})
			defer func() { _ = resp.Body.Close() }()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var result service.ConnectionStatus
			Expect(json.NewDecoder(resp.Body).Decode(&result)).To(Succeed())
			Expect(result.Connected).To(BeTrue())
			Expect(result.Organization).To(Equal("Example Corp"))
		})

		It("serves the dashboard with state counts", func() {
			fake = newFakeDirectory()
			d = startDaemon(fake, localUser("1", "alice@example.com"))

			resp := d.postJSON("/api/v0/sync", map[string]any{})
			_ = resp.Body.Close()
			Eventually(func() status.SyncState {
				return d.syncState("1").State
			}).WithTimeout(5 * time.Second).WithPolling(20 * time.Millisecond).
				Should(Equal(status.StateSynced))

			dashResp, err := http.Get(d.api.URL + "/api/v0/dashboard")
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = dashResp.Body.Close() }()

			var dash service.Dashboard
			Expect(json.NewDecoder(dashResp.Body).Decode(&dash)).To(Succeed())
			Expect(dash.CountsByState[status.StateSynced]).To(Equal(1))
		})

		It("exposes sync metrics", func() {
			fake = newFakeDirectory()
			d = startDaemon(fake, localUser("1", "alice@example.com"))

			resp := d.postJSON("/api/v0/sync", map[string]any{})
			_ = resp.Body.Close()
			Eventually(func() status.SyncState {
				return d.syncState("1").State
			}).WithTimeout(5 * time.Second).WithPolling(20 * time.Millisecond).
				Should(Equal(status.StateSynced))

			metricsResp, err := http.Get(d.api.URL + "/metrics")
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = metricsResp.Body.Close() }()
			Expect(metricsResp.StatusCode).To(Equal(http.StatusOK))

			body := new(bytes.Buffer)
			_, err = body.ReadFrom(metricsResp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(body.String()).To(ContainSubstring("idsync_sync_attempts_total"))
		})
	})
})
