package directory

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmarkovic/chainsmith/storage/memory"
)

func TestStaticDirectory(t *testing.T) {
	dir := NewStaticDirectory(
		UserInfo{ID: "u-1", Organization: "Acme Corp", Email: "u1@acme.example", Role: RoleRegularUser},
	)

	u, err := dir.Lookup("u-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", u.Organization)

	_, err = dir.Lookup("u-2")
	assert.ErrorIs(t, err, ErrUserNotFound)

	dir.Add(UserInfo{ID: "u-2", Role: RoleAdmin})
	u, err = dir.Lookup("u-2")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, u.Role)
}

func TestParseRole(t *testing.T) {
	for _, name := range []string{"REGULAR_USER", "CA_USER", "ADMIN"} {
		_, err := ParseRole(name)
		assert.NoError(t, err)
	}
	_, err := ParseRole("SUPERUSER")
	assert.Error(t, err)
}

func TestRoleCanOperateCA(t *testing.T) {
	assert.False(t, RoleRegularUser.CanOperateCA())
	assert.True(t, RoleCAUser.CanOperateCA())
	assert.True(t, RoleAdmin.CanOperateCA())
}

func TestActivationCodes(t *testing.T) {
	var events []string
	codes := NewActivationCodes(memory.NewRepository(),
		WithActivationEvents(func(event, userID string) {
			events = append(events, event+":"+userID)
		}))

	code, err := codes.Issue("u-1")
	require.NoError(t, err)
	require.NotEmpty(t, code)

	userID, err := codes.Consume(code)
	require.NoError(t, err)
	assert.Equal(t, "u-1", userID)
	assert.Equal(t, []string{"issued:u-1", "consumed:u-1"}, events)

	// A code redeems exactly once.
	_, err = codes.Consume(code)
	assert.ErrorIs(t, err, ErrCodeNotFound)

	_, err = codes.Consume("unknown")
	assert.ErrorIs(t, err, ErrCodeNotFound)
}

func TestActivationCodeExpiry(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	codes := NewActivationCodes(memory.NewRepository(),
		WithActivationClock(clock), WithActivationTTL(time.Hour))

	code, err := codes.Issue("u-1")
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	_, err = codes.Consume(code)
	assert.ErrorIs(t, err, ErrCodeExpired)
}

func TestActivationConcurrentConsume(t *testing.T) {
	codes := NewActivationCodes(memory.NewRepository())
	code, err := codes.Issue("u-1")
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := codes.Consume(code); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count)
}
