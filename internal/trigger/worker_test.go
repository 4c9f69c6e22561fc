package trigger_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/seqvault/internal/domain"
	"github.com/alanyoungcy/seqvault/internal/trigger"
)

type staticVaultStore struct {
	active []domain.Vault
}

func (s *staticVaultStore) Create(context.Context, domain.Vault) error { return nil }

func (s *staticVaultStore) Get(_ context.Context, id common.Address) (domain.Vault, error) {
	for _, v := range s.active {
		if v.ID == id {
			return v, nil
		}
	}
	return domain.Vault{}, domain.ErrNotFound
}

func (s *staticVaultStore) ListByOwner(context.Context, common.Address) ([]domain.Vault, error) {
	return nil, nil
}

func (s *staticVaultStore) List(context.Context, domain.ListOpts) ([]domain.Vault, error) {
	return nil, nil
}

func (s *staticVaultStore) ListActive(_ context.Context, opts domain.ListOpts) ([]domain.Vault, error) {
	if opts.Offset >= len(s.active) {
		return nil, nil
	}
	return s.active[opts.Offset:], nil
}

func (s *staticVaultStore) SaveSequence(context.Context, common.Address, []domain.Rule) error {
	return nil
}

func (s *staticVaultStore) UpdateProgress(context.Context, common.Address, uint64, uint64, bool) error {
	return nil
}

func (s *staticVaultStore) SetActive(context.Context, common.Address, bool) error { return nil }

type recordingAdvancer struct {
	mu       sync.Mutex
	ready    map[common.Address]bool
	advanced map[common.Address]int
	errs     map[common.Address]error
}

func (a *recordingAdvancer) CheckReadiness(_ context.Context, id common.Address) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready[id], nil
}

func (a *recordingAdvancer) AdvanceStep(_ context.Context, id common.Address, _ []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.advanced == nil {
		a.advanced = make(map[common.Address]int)
	}
	a.advanced[id]++
	return a.errs[id]
}

func (a *recordingAdvancer) count(id common.Address) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.advanced[id]
}

func runWorker(t *testing.T, store *staticVaultStore, machine *recordingAdvancer) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := trigger.New(store, machine, 5*time.Millisecond, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := w.Run(ctx)
		require.ErrorIs(t, err, context.Canceled)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done
}

func TestWorkerAdvancesReadyVaults(t *testing.T) {
	readyVault := common.HexToAddress("0x0000000000000000000000000000000000000011")
	notReady := common.HexToAddress("0x0000000000000000000000000000000000000012")
	unstarted := common.HexToAddress("0x0000000000000000000000000000000000000013")

	store := &staticVaultStore{active: []domain.Vault{
		{ID: readyVault, Cursor: 1, TotalSteps: 3, Active: true},
		{ID: notReady, Cursor: 1, TotalSteps: 3, Active: true},
		{ID: unstarted, Cursor: 0, TotalSteps: 3, Active: true},
	}}
	machine := &recordingAdvancer{ready: map[common.Address]bool{
		readyVault: true,
		notReady:   false,
		unstarted:  true,
	}}

	runWorker(t, store, machine)

	assert.Positive(t, machine.count(readyVault))
	assert.Zero(t, machine.count(notReady), "unsatisfied precondition is never advanced")
	assert.Zero(t, machine.count(unstarted), "first step belongs to the owner")
}

func TestWorkerSurvivesAdvanceErrors(t *testing.T) {
	failing := common.HexToAddress("0x0000000000000000000000000000000000000021")
	healthy := common.HexToAddress("0x0000000000000000000000000000000000000022")

	store := &staticVaultStore{active: []domain.Vault{
		{ID: failing, Cursor: 1, TotalSteps: 2, Active: true},
		{ID: healthy, Cursor: 1, TotalSteps: 2, Active: true},
	}}
	machine := &recordingAdvancer{
		ready: map[common.Address]bool{failing: true, healthy: true},
		errs:  map[common.Address]error{failing: domain.ErrLockHeld},
	}

	runWorker(t, store, machine)

	assert.Positive(t, machine.count(failing), "contended vaults are retried")
	assert.Positive(t, machine.count(healthy), "one failing vault does not block the sweep")
}
